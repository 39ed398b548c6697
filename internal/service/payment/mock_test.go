package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestMockProvider(t *testing.T) {
	mock := NewMockProvider()
	if mock == nil {
		t.Fatal("expected non-nil mock")
	}
	ctx := context.Background()

	session, err := mock.CreateCheckout(ctx, domain.CheckoutRequest{OrderID: "o-1", ProviderOrderID: "o-1_1", Amount: decimal.NewFromInt(200)})
	if err != nil {
		t.Fatalf("unexpected checkout error: %v", err)
	}
	if session.CheckoutURL != "https://pay.local/checkout/o-1_1" {
		t.Fatalf("unexpected checkout url: %s", session.CheckoutURL)
	}

	status, err := mock.FetchStatus(ctx, "o-1_1")
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if status.Action != domain.PaymentActionNone {
		t.Fatalf("unknown order must have no action, got %s", status.Action)
	}

	mock.SetStatus(domain.ProviderPaymentStatus{ProviderOrderID: "o-1_1", Status: "approved", Action: domain.PaymentActionMarkPaid})
	if status, _ := mock.FetchStatus(ctx, "o-1_1"); status.Action != domain.PaymentActionMarkPaid {
		t.Fatalf("expected configured status, got %+v", status)
	}

	mock.CheckoutErr = errors.New("checkout failed")
	mock.ReverseErr = errors.New("reverse failed")
	if _, err := mock.CreateCheckout(ctx, domain.CheckoutRequest{ProviderOrderID: "o-2_1"}); err == nil {
		t.Fatal("expected checkout error")
	}
	if err := mock.Reverse(ctx, "o-1_1", decimal.NewFromInt(200)); err == nil {
		t.Fatal("expected reverse error")
	}

	checkout, statusCalls, reverse := mock.Calls()
	if checkout != 2 || statusCalls != 2 || reverse != 1 {
		t.Fatalf("unexpected call counters: checkout=%d status=%d reverse=%d", checkout, statusCalls, reverse)
	}
}
