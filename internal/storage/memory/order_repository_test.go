package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func newOrder(id string) domain.Order {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:       id,
		Status:   domain.OrderStatusNew,
		Version:  1,
		Customer: domain.Contact{Name: "Іван", Phone: "+380501234567"},
		Items: []domain.OrderItem{
			{SKU: "sku-1", Name: "Чохол", Qty: 1, Price: decimal.NewFromInt(1000)},
		},
		Totals: domain.Totals{
			Subtotal: decimal.NewFromInt(1000),
			Grand:    decimal.NewFromInt(1000),
		},
		Shipment:  domain.Shipment{City: "Київ"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1")

	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, order); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}

	stored, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ID != order.ID || stored.Version != 1 {
		t.Fatalf("unexpected order %+v", stored)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderRepository_CompareAndSwapStatus(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	if err := repo.Create(ctx, newOrder("order-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated, err := repo.CompareAndSwapStatus(ctx, "order-1", domain.OrderStatusNew, func(o *domain.Order) error {
		o.Status = domain.OrderStatusAwaitingPayment
		return nil
	})
	if err != nil {
		t.Fatalf("cas failed: %v", err)
	}
	if updated.Status != domain.OrderStatusAwaitingPayment || updated.Version != 2 {
		t.Fatalf("unexpected state %s v%d", updated.Status, updated.Version)
	}

	_, err = repo.CompareAndSwapStatus(ctx, "order-1", domain.OrderStatusNew, func(o *domain.Order) error {
		o.Status = domain.OrderStatusCancelled
		return nil
	})
	if !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}

	boom := errors.New("boom")
	_, err = repo.CompareAndSwapStatus(ctx, "order-1", domain.OrderStatusAwaitingPayment, func(o *domain.Order) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutation error, got %v", err)
	}
	stored, _ := repo.Get(ctx, "order-1")
	if stored.Version != 2 {
		t.Fatalf("failed mutation must not bump version, got %d", stored.Version)
	}
}

func TestOrderRepository_CompareAndSwapConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	if err := repo.Create(ctx, newOrder("order-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CompareAndSwapStatus(ctx, "order-1", domain.OrderStatusNew, func(o *domain.Order) error {
				o.Status = domain.OrderStatusAwaitingPayment
				return nil
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestOrderRepository_UpdateKeepsStatus(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	if err := repo.Create(ctx, newOrder("order-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated, err := repo.Update(ctx, "order-1", func(o *domain.Order) error {
		o.Status = domain.OrderStatusDelivered
		o.Shipment.TTN = "20450000000001"
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Status != domain.OrderStatusNew {
		t.Fatalf("update must not change status, got %s", updated.Status)
	}
	if updated.Shipment.TTN != "20450000000001" || updated.Version != 2 {
		t.Fatalf("unexpected order %+v", updated)
	}
}

func TestOrderRepository_ListFilter(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()

	first := newOrder("order-1")
	second := newOrder("order-2")
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	second.Status = domain.OrderStatusShipped
	second.Shipment.TTN = "20450000000002"
	second.Shipment.City = "Львів"
	third := newOrder("order-3")
	third.CreatedAt = first.CreatedAt.Add(2 * time.Hour)
	third.UserID = "user-3"

	for _, o := range []domain.Order{third, first, second} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	all, err := repo.List(ctx, domain.OrderFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "order-1" || all[2].ID != "order-3" {
		t.Fatalf("expected created_at order, got %+v", all)
	}

	hasTTN := true
	shipped, _ := repo.List(ctx, domain.OrderFilter{Statuses: []domain.OrderStatus{domain.OrderStatusShipped}, HasTTN: &hasTTN})
	if len(shipped) != 1 || shipped[0].ID != "order-2" {
		t.Fatalf("unexpected shipped list %+v", shipped)
	}

	lviv, _ := repo.List(ctx, domain.OrderFilter{City: "львів"})
	if len(lviv) != 1 {
		t.Fatalf("expected case-insensitive city match, got %d", len(lviv))
	}

	byUser, _ := repo.List(ctx, domain.OrderFilter{UserID: "user-3"})
	if len(byUser) != 1 || byUser[0].ID != "order-3" {
		t.Fatalf("unexpected user list %+v", byUser)
	}

	window, _ := repo.List(ctx, domain.OrderFilter{CreatedFrom: first.CreatedAt.Add(time.Minute), Limit: 1})
	if len(window) != 1 || window[0].ID != "order-2" {
		t.Fatalf("unexpected window %+v", window)
	}
}

func TestOrderRepository_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	if err := repo.Create(ctx, newOrder("order-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, _ := repo.Get(ctx, "order-1")
	got.Items[0].Qty = 99

	again, _ := repo.Get(ctx, "order-1")
	if again.Items[0].Qty != 1 {
		t.Fatal("stored order mutated through returned copy")
	}
}
