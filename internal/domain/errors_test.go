package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "status conflict", err: ErrStatusConflict, want: true},
		{name: "wrapped status conflict", err: fmt.Errorf("cas: %w", ErrStatusConflict), want: true},
		{name: "other error", err: ErrOrderNotFound, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConflict(tt.err); got != tt.want {
				t.Errorf("IsConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsSoft(t *testing.T) {
	if !IsSoft(ErrDuplicateEvent) || !IsSoft(fmt.Errorf("x: %w", ErrLockHeld)) {
		t.Fatal("duplicate event and lock held must be soft")
	}
	if IsSoft(ErrBadSignature) {
		t.Fatal("bad signature must not be soft")
	}
}

func TestProviderError(t *testing.T) {
	permanent := &ProviderError{Provider: "novaposhta", StatusCode: 400, Message: "bad warehouse"}
	temporary := &ProviderError{Provider: "novaposhta", StatusCode: 503, Err: errors.New("unavailable")}
	throttled := &ProviderError{Provider: "fondy", StatusCode: 429}

	if !errors.Is(permanent, ErrProviderUnavailable) {
		t.Fatal("provider error must match ErrProviderUnavailable")
	}
	if !IsPermanentProviderError(fmt.Errorf("create ttn: %w", permanent)) {
		t.Fatal("400 must be permanent")
	}
	if IsPermanentProviderError(temporary) || IsPermanentProviderError(throttled) {
		t.Fatal("5xx and 429 must be retried")
	}
	if got := permanent.Error(); got != "novaposhta: status 400: bad warehouse" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestDecodeEventPayload(t *testing.T) {
	raw := json.RawMessage(`{"order_id":"o-1","ttn":"20451234567890","cost":"70"}`)
	payload, err := DecodeEventPayload(EventTTNCreated, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ttn, ok := payload.(TTNCreatedPayload)
	if !ok || ttn.TTN != "20451234567890" {
		t.Fatalf("unexpected payload %#v", payload)
	}

	unknownRaw := json.RawMessage(`{"foo":1}`)
	unknown, err := DecodeEventPayload("REVIEW_LEFT", unknownRaw)
	if err != nil {
		t.Fatalf("decode unknown: %v", err)
	}
	if unknown.EventType() != "REVIEW_LEFT" {
		t.Fatalf("unexpected type %s", unknown.EventType())
	}
	encoded, err := json.Marshal(unknown)
	if err != nil {
		t.Fatalf("marshal unknown: %v", err)
	}
	if string(encoded) != `{"foo":1}` {
		t.Fatalf("unknown payload must be preserved verbatim, got %s", encoded)
	}

	if _, err := DecodeEventPayload(EventOrderPaid, json.RawMessage(`not-json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCustomerWindows(t *testing.T) {
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	c := Customer{
		CODRefusals: []time.Time{now.Add(-10 * 24 * time.Hour), now.Add(-40 * 24 * time.Hour)},
		Returns:     []time.Time{now.Add(-59 * 24 * time.Hour), now.Add(-61 * 24 * time.Hour)},
	}
	if got := c.CODRefusals30d(now); got != 1 {
		t.Fatalf("expected 1 refusal in window, got %d", got)
	}
	if got := c.Returns60d(now); got != 1 {
		t.Fatalf("expected 1 return in window, got %d", got)
	}
	if !c.Prune(now) {
		t.Fatal("expected prune to report changes")
	}
	if len(c.CODRefusals) != 1 || len(c.Returns) != 1 {
		t.Fatalf("unexpected pruned state %+v", c)
	}
	if c.Prune(now) {
		t.Fatal("second prune must be a no-op")
	}
}
