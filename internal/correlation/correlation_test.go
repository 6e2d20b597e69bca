package correlation

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func init() {
	// Initialize the global propagator for tests
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

const testTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestExtractTraceContext_NilAttributes(t *testing.T) {
	ctx := context.Background()

	result := ExtractTraceContext(ctx, nil)

	if result != ctx {
		t.Error("expected same context when attributes are nil")
	}
}

func TestExtractTraceContext_WithTraceparent(t *testing.T) {
	result := ExtractTraceContext(context.Background(), map[string]string{
		HeaderTraceparent: testTraceparent,
	})

	span := trace.SpanFromContext(result)
	if !span.SpanContext().IsValid() {
		t.Fatal("expected valid span context from traceparent attribute")
	}
	if got := span.SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("unexpected trace ID %s", got)
	}
}

func TestInjectTraceContext_NilHeaders(t *testing.T) {
	if InjectTraceContext(context.Background(), nil) == nil {
		t.Error("expected headers map to be created")
	}
}

func TestInjectExtractRoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parentCtx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))

	headers := InjectTraceContext(parentCtx, map[string]string{"existing": "value"})
	if headers[HeaderTraceparent] != testTraceparent {
		t.Errorf("expected traceparent %s, got %s", testTraceparent, headers[HeaderTraceparent])
	}
	if headers["existing"] != "value" {
		t.Error("expected existing header to be preserved")
	}

	extracted := ExtractTraceContext(context.Background(), headers)
	if trace.SpanFromContext(extracted).SpanContext().TraceID() != traceID {
		t.Error("expected trace ID to survive the round trip")
	}
}

func TestExtractOrGenerate_Priority(t *testing.T) {
	tests := []struct {
		name           string
		attrs          map[string]string
		expectedValue  string
		expectedSource string
	}{
		{
			name: "correlation-id takes priority over x-correlation-id",
			attrs: map[string]string{
				HeaderCorrelationID:  "corr-id",
				HeaderXCorrelationID: "x-corr-id",
			},
			expectedValue:  "corr-id",
			expectedSource: HeaderCorrelationID,
		},
		{
			name: "x-correlation-id takes priority over tx_id",
			attrs: map[string]string{
				HeaderXCorrelationID: "x-corr-id",
				AttrTxID:             "tx-1",
			},
			expectedValue:  "x-corr-id",
			expectedSource: HeaderXCorrelationID,
		},
		{
			name: "tx_id takes priority over traceparent",
			attrs: map[string]string{
				AttrTxID:          "tx-1",
				HeaderTraceparent: testTraceparent,
			},
			expectedValue:  "tx-1",
			expectedSource: AttrTxID,
		},
		{
			name:           "traceparent takes priority over generated",
			attrs:          map[string]string{HeaderTraceparent: testTraceparent},
			expectedValue:  "4bf92f3577b34da6a3ce929d0e0e4736",
			expectedSource: HeaderTraceparent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := ExtractOrGenerate(tt.attrs)
			if id.Value != tt.expectedValue {
				t.Errorf("expected value %s, got %s", tt.expectedValue, id.Value)
			}
			if id.Source != tt.expectedSource {
				t.Errorf("expected source %s, got %s", tt.expectedSource, id.Source)
			}
		})
	}
}

func TestExtractOrGenerate_Generated(t *testing.T) {
	id := ExtractOrGenerate(nil)

	if id.Source != "generated" {
		t.Errorf("expected source generated, got %s", id.Source)
	}
	if len(id.Value) != 36 {
		t.Errorf("expected UUID length 36, got %d", len(id.Value))
	}
}

func TestExtractTraceID(t *testing.T) {
	tests := []struct {
		traceparent string
		expected    string
	}{
		{testTraceparent, "4bf92f3577b34da6a3ce929d0e0e4736"},
		{"00-4bf92f3577b34da6-00f067aa0ba902b7-01", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if result := extractTraceID(tt.traceparent); result != tt.expected {
			t.Errorf("extractTraceID(%q) = %q, want %q", tt.traceparent, result, tt.expected)
		}
	}
}

func TestAddToHeaders(t *testing.T) {
	headers := AddToHeaders(nil, ID{Value: "id-1"})
	if headers[HeaderCorrelationID] != "id-1" {
		t.Errorf("expected id-1, got %s", headers[HeaderCorrelationID])
	}

	headers = AddToHeaders(map[string]string{HeaderCorrelationID: "old", "k": "v"}, ID{Value: "new"})
	if headers[HeaderCorrelationID] != "new" || headers["k"] != "v" {
		t.Errorf("unexpected headers %v", headers)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected no ID in empty context")
	}
	ctx := WithID(context.Background(), ID{Value: "abc", Source: "test"})
	id, ok := FromContext(ctx)
	if !ok || id.Value != "abc" {
		t.Errorf("expected abc, got %+v", id)
	}
}
