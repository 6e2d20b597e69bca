package main

import (
	"testing"

	"github.com/lsm/receipt-bridge/internal/config"
	"github.com/lsm/receipt-bridge/internal/dlq"
	"github.com/lsm/receipt-bridge/internal/event"
)

func TestEnabledBindings(t *testing.T) {
	cfg := config.Default()
	cfg.Subscriptions.Receipt.Project = "census"
	cfg.Subscriptions.QMUndelivered.Project = "qm"

	got := enabledBindings(cfg)
	if len(got) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(got))
	}
	if got[0].kind.Name != event.Submission.Name || got[0].sub.Name != "rm-receipt-subscription" {
		t.Errorf("unexpected first binding: %+v", got[0].sub)
	}
	if got[1].kind.Name != event.QMUndelivered.Name || got[1].sub.Project != "qm" {
		t.Errorf("unexpected second binding: %+v", got[1].sub)
	}
}

func TestTopologies(t *testing.T) {
	cfg := config.Default()

	ts := topologies(cfg, nil)
	if len(ts) != 2 {
		t.Fatalf("expected 2 topologies, got %d", len(ts))
	}
	if ts[0].Queue != "Case.Responses" || ts[0].BindingKey != "event.response.receipt" || ts[0].Exchange != "events" {
		t.Errorf("unexpected case responses topology: %+v", ts[0])
	}
	if ts[1].Queue != "FieldworkAdapter.undelivered" || ts[1].BindingKey != "event.fulfilment.undelivered" {
		t.Errorf("unexpected undelivered topology: %+v", ts[1])
	}

	ts = topologies(cfg, dlq.NewHandler(nil, "receipt-dlx"))
	if len(ts) != 3 || ts[2].Exchange != "receipt-dlx" || ts[2].Queue != "" {
		t.Errorf("expected exchange-only dead-letter topology, got %+v", ts)
	}
}
