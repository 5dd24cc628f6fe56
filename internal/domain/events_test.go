package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEventPayloadPreservesUnknownFields(t *testing.T) {
	wire := `{
		"version": 1,
		"actor": "alice/main",
		"amount": "10000",
		"currency": "USD",
		"fraud_score": 0.13,
		"origin_region": "eu-west-1"
	}`

	var payload EventPayload
	if err := json.Unmarshal([]byte(wire), &payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Actor != "alice/main" || payload.Amount != "10000" {
		t.Fatalf("known fields not parsed: %+v", payload)
	}

	out, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{"fraud_score", "origin_region", "eu-west-1"} {
		if !strings.Contains(string(out), key) {
			t.Fatalf("unknown field %q lost on round trip: %s", key, out)
		}
	}
}

func TestEventPayloadUnknownFieldNeverShadowsKnown(t *testing.T) {
	var payload EventPayload
	if err := json.Unmarshal([]byte(`{"version":1,"actor":"alice/main"}`), &payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payload.unknown) != 0 {
		t.Fatalf("known keys must not land in unknown: %v", payload.unknown)
	}
}

func TestCanonicalHashIsStable(t *testing.T) {
	payload := EventPayload{Version: 1, Actor: "alice/main", Amount: "10000", Currency: "USD"}

	first, err := payload.CanonicalHash()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := payload.CanonicalHash()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("hash not stable: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected hex sha256, got %q", first)
	}

	payload.Amount = "10001"
	changed, err := payload.CanonicalHash()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed == first {
		t.Fatal("hash must change with payload")
	}
}

func TestNewTransferEventSetsVersionAndHash(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	transferID := uuid.New()

	event, err := NewTransferEvent(transferID, EventTransferDeclined, EventPayload{Actor: "bob/main"}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Payload.Version != 1 {
		t.Fatalf("expected version 1, got %d", event.Payload.Version)
	}
	if event.PayloadHash == "" {
		t.Fatal("expected payload hash")
	}
	if event.TransferID != transferID {
		t.Fatalf("wrong transfer id: %s", event.TransferID)
	}
	if event.RoutingKey() != "transfer.declined" {
		t.Fatalf("unexpected routing key %q", event.RoutingKey())
	}
	if !event.OccurredAt.Equal(now) {
		t.Fatalf("unexpected occurred_at %s", event.OccurredAt)
	}
}
