package repo

import (
	"context"
	"errors"
	"testing"
)

func TestWebhookEndpointRegistryAndToggle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ep1, err := CreateWebhookEndpoint(ctx, db, "org1", "chat_message_sent", "https://hooks.example.com/a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ep2, _ := CreateWebhookEndpoint(ctx, db, "org1", "chat_message_sent", "https://hooks.example.com/b")
	_, _ = CreateWebhookEndpoint(ctx, db, "org1", "chat_message_completed", "https://hooks.example.com/c")
	_, _ = CreateWebhookEndpoint(ctx, db, "org2", "chat_message_sent", "https://hooks.example.com/d")

	// Fan-out view: only (org, event, enabled) targets.
	eps, err := ListWebhookEndpoints(ctx, db, "org1", "chat_message_sent")
	if err != nil || len(eps) != 2 {
		t.Fatalf("list sent: len=%d err=%v", len(eps), err)
	}

	// Disabling removes a target from the fan-out view but not the admin view.
	if err := SetWebhookEndpointEnabled(ctx, db, ep2.ID, "org1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	eps, _ = ListWebhookEndpoints(ctx, db, "org1", "chat_message_sent")
	if len(eps) != 1 || eps[0].ID != ep1.ID {
		t.Fatalf("disabled endpoint still in fan-out view: %+v", eps)
	}
	all, _ := ListOrgWebhookEndpoints(ctx, db, "org1")
	if len(all) != 3 {
		t.Fatalf("admin view must show all org endpoints, got %d", len(all))
	}

	// Cross-org toggles must not work.
	if err := SetWebhookEndpointEnabled(ctx, db, ep1.ID, "org2", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-org toggle: want ErrNotFound, got %v", err)
	}
}

func TestWebhookDeliveryLog(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ep, _ := CreateWebhookEndpoint(ctx, db, "org1", "chat_message_completed", "https://hooks.example.com/x")

	if err := RecordWebhookDelivery(ctx, db, ep.ID, "chat_message_completed", true, ""); err != nil {
		t.Fatalf("record ok: %v", err)
	}
	if err := RecordWebhookDelivery(ctx, db, ep.ID, "chat_message_completed", false, "http_503"); err != nil {
		t.Fatalf("record fail: %v", err)
	}

	log, err := ListWebhookDeliveries(ctx, db, ep.ID, 0) // limit<=0 defaults
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(log))
	}
	var failures int
	for _, d := range log {
		if !d.Success {
			failures++
			if d.Error != "http_503" {
				t.Fatalf("failure reason lost: %+v", d)
			}
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one failed attempt, got %d", failures)
	}
}

func TestSeedBuiltinTemplates_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := SeedBuiltinTemplates(ctx, db); err != nil {
		t.Fatalf("seed: %v", err)
	}
	first, err := ListTemplates(ctx, db, "org1", "u1")
	if err != nil || len(first) == 0 {
		t.Fatalf("expected builtins visible to everyone: len=%d err=%v", len(first), err)
	}

	if err := SeedBuiltinTemplates(ctx, db); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	second, _ := ListTemplates(ctx, db, "org1", "u1")
	if len(second) != len(first) {
		t.Fatalf("reseed duplicated builtins: %d -> %d", len(first), len(second))
	}
}
