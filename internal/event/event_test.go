package event

import (
	"bytes"
	"testing"
	"time"

	"github.com/lsm/receipt-bridge/internal/validate"
)

var testRoutes = Routes{
	Exchange:       "events",
	CaseResponses:  "event.response.receipt",
	UndeliveredKey: "event.fulfilment.undelivered",
}

func mustMap(t *testing.T, k Kind, body string) ([]byte, Route) {
	t.Helper()
	p, err := validate.Validate([]byte(body), k.Contract)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	ce, route, _ := k.Map(p, testRoutes)
	out, err := ce.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return out, route
}

func TestSubmission_CanonicalBytes(t *testing.T) {
	out, route := mustMap(t, Submission,
		`{"metadata":{"tx_id":"1","questionnaire_id":"q1","case_id":"c1"},"timeCreated":"2008-08-24T00:00:00Z"}`)

	want := `{"event":{"type":"RESPONSE_RECEIVED","source":"RECEIPT_SERVICE","channel":"EQ","dateTime":"2008-08-24T00:00:00+00:00","transactionId":"1"},"payload":{"response":{"caseId":"c1","questionnaireId":"q1","unreceipt":false}}}`
	if string(out) != want {
		t.Errorf("unexpected body\n got: %s\nwant: %s", out, want)
	}
	if route.Exchange != "events" || route.RoutingKey != "event.response.receipt" {
		t.Errorf("unexpected route %+v", route)
	}
}

func TestSubmission_AbsentCaseIDIsNull(t *testing.T) {
	for _, body := range []string{
		`{"metadata":{"tx_id":"1","questionnaire_id":"q1"},"timeCreated":"2008-08-24T00:00:00Z"}`,
		`{"metadata":{"tx_id":"1","questionnaire_id":"q1","case_id":null},"timeCreated":"2008-08-24T00:00:00Z"}`,
	} {
		out, _ := mustMap(t, Submission, body)
		if !bytes.Contains(out, []byte(`"response":{"caseId":null,"questionnaireId":"q1","unreceipt":false}`)) {
			t.Errorf("expected null caseId, got %s", out)
		}
	}
}

func TestOffline_CanonicalBytes(t *testing.T) {
	out, route := mustMap(t, Offline,
		`{"transactionId":"1","questionnaireId":"0120000000001000","dateTime":"2008-08-24T00:00:00Z","channel":"PQRS"}`)

	want := `{"event":{"type":"RESPONSE_RECEIVED","source":"RECEIPT_SERVICE","channel":"PQRS","dateTime":"2008-08-24T00:00:00+00:00","transactionId":"1"},"payload":{"response":{"questionnaireId":"0120000000001000","unreceipt":false}}}`
	if string(out) != want {
		t.Errorf("unexpected body\n got: %s\nwant: %s", out, want)
	}
	if route.RoutingKey != "event.response.receipt" {
		t.Errorf("expected case responses key, got %s", route.RoutingKey)
	}
}

func TestOffline_Unreceipt(t *testing.T) {
	out, _ := mustMap(t, Offline,
		`{"transactionId":"1","questionnaireId":"q","dateTime":"2008-08-24T00:00:00","channel":"IVR","unreceipt":true}`)
	if !bytes.Contains(out, []byte(`"response":{"questionnaireId":"q","unreceipt":true}`)) {
		t.Errorf("expected unreceipt true, got %s", out)
	}
	if bytes.Contains(out, []byte("caseId")) {
		t.Errorf("offline receipts must not carry caseId: %s", out)
	}
}

func TestPPOUndelivered_CanonicalBytes(t *testing.T) {
	out, route := mustMap(t, PPOUndelivered,
		`{"transactionId":"1","dateTime":"2019-08-03T14:30:01Z","caseRef":1234,"productCode":"P_OR_H1"}`)

	want := `{"event":{"type":"UNDELIVERED_MAIL_REPORTED","source":"RECEIPT_SERVICE","channel":"PPO","dateTime":"2019-08-03T14:30:01+00:00","transactionId":"1"},"payload":{"fulfilmentInformation":{"caseRef":1234,"fulfilmentCode":"P_OR_H1"}}}`
	if string(out) != want {
		t.Errorf("unexpected body\n got: %s\nwant: %s", out, want)
	}
	if route.RoutingKey != "event.fulfilment.undelivered" {
		t.Errorf("expected undelivered key, got %s", route.RoutingKey)
	}
}

func TestQMUndelivered_CanonicalBytes(t *testing.T) {
	out, route := mustMap(t, QMUndelivered,
		`{"transactionId":"1","dateTime":"2019-08-03T14:30:01Z","questionnaireId":"q9"}`)

	want := `{"event":{"type":"UNDELIVERED_MAIL_REPORTED","source":"RECEIPT_SERVICE","channel":"QM","dateTime":"2019-08-03T14:30:01+00:00","transactionId":"1"},"payload":{"fulfilmentInformation":{"questionnaireId":"q9"}}}`
	if string(out) != want {
		t.Errorf("unexpected body\n got: %s\nwant: %s", out, want)
	}
	if route.RoutingKey != "event.fulfilment.undelivered" {
		t.Errorf("expected undelivered key, got %s", route.RoutingKey)
	}
}

func TestMap_Idempotent(t *testing.T) {
	body := `{"metadata":{"tx_id":"1","questionnaire_id":"q<1>&","case_id":"c1"},"timeCreated":"2008-08-24T00:00:00.5Z"}`
	first, _ := mustMap(t, Submission, body)
	for i := 0; i < 5; i++ {
		again, _ := mustMap(t, Submission, body)
		if !bytes.Equal(first, again) {
			t.Fatalf("serialization differs:\n%s\n%s", first, again)
		}
	}
	if !bytes.Contains(first, []byte(`"questionnaireId":"q<1>&"`)) {
		t.Errorf("expected unescaped questionnaire id, got %s", first)
	}
}

func TestFormatDateTime(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2008-08-24T00:00:00Z", "2008-08-24T00:00:00+00:00"},
		{"2008-08-24T00:00:00.123Z", "2008-08-24T00:00:00.123000+00:00"},
		{"2008-08-24T00:00:00.000000001Z", "2008-08-24T00:00:00+00:00"},
		{"2008-08-24T01:30:00+01:00", "2008-08-24T01:30:00+01:00"},
		{"2008-08-24T00:00:00-05:30", "2008-08-24T00:00:00-05:30"},
	}
	for _, tt := range tests {
		ts, err := time.Parse(time.RFC3339Nano, tt.in)
		if err != nil {
			t.Fatalf("parse %s: %v", tt.in, err)
		}
		if got := FormatDateTime(ts); got != tt.want {
			t.Errorf("FormatDateTime(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestKinds_Table(t *testing.T) {
	names := map[string]bool{}
	for _, k := range Kinds {
		if names[k.Name] {
			t.Errorf("duplicate kind %s", k.Name)
		}
		names[k.Name] = true
		if k.Decode == nil || k.Route == nil {
			t.Errorf("kind %s missing decode or route", k.Name)
		}
	}
	if len(Submission.Attributes) != 3 {
		t.Errorf("submission kind should require 3 attributes, got %d", len(Submission.Attributes))
	}
	for _, k := range []Kind{Offline, PPOUndelivered, QMUndelivered} {
		if len(k.Attributes) != 0 {
			t.Errorf("kind %s should not require attributes", k.Name)
		}
	}
}

func TestLogAttrs(t *testing.T) {
	p, err := validate.Validate([]byte(`{"transactionId":"7","dateTime":"2019-08-03T14:30:01Z","caseRef":1234,"productCode":"X"}`), PPOUndelivered.Contract)
	if err != nil {
		t.Fatal(err)
	}
	_, _, rec := PPOUndelivered.Map(p, testRoutes)
	attrs := rec.LogAttrs()
	got := map[string]any{}
	for i := 0; i+1 < len(attrs); i += 2 {
		got[attrs[i].(string)] = attrs[i+1]
	}
	if got["case_ref"] != "1234" || got["product_code"] != "X" || got["tx_id"] != "7" {
		t.Errorf("unexpected attrs %v", got)
	}
}
