package queue

import (
	"encoding/json"
	"testing"

	"github.com/xiaopang/keybroker/internal/model"
)

func TestResultKeyIsNamespacedPerRequest(t *testing.T) {
	a := resultKey("req-1")
	b := resultKey("req-2")
	if a == b {
		t.Fatalf("resultKey collided: %q == %q", a, b)
	}
	if a != "keybroker:result:req-1" {
		t.Fatalf("resultKey = %q, unexpected shape", a)
	}
}

func TestJobResultRoundTrip(t *testing.T) {
	want := jobResult{OK: true, Reservation: model.Reservation{
		SubscriptionID:       "sub1",
		Plan:                 model.PlanPro,
		AvgIntervalMs:        860,
		LastUsed:             1000,
		NextRequestAllowedAt: 1860,
	}}

	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got jobResult
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestTaskPayloadRoundTrip(t *testing.T) {
	want := taskPayload{RequestID: "req-123"}
	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got taskPayload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}
