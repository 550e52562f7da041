package cache

import (
	"context"
	"testing"
)

func TestTrafficRouterShiftAndCurrent(t *testing.T) {
	router := NewTrafficRouter(setupSQLiteCache(t))
	ctx := context.Background()

	if _, found, err := router.Current(ctx, "v1"); err != nil || found {
		t.Fatalf("Current() found=%v err=%v, want nothing", found, err)
	}

	if err := router.Shift(ctx, "v1", "p-1", 25); err != nil {
		t.Fatalf("Shift() error = %v", err)
	}
	if err := router.Shift(ctx, "v1", "p-1", 5); err != nil {
		t.Fatalf("Shift() error = %v", err)
	}

	weight, found, err := router.Current(ctx, "v1")
	if err != nil || !found {
		t.Fatalf("Current() found=%v err=%v", found, err)
	}
	if weight.ProposalID != "p-1" || weight.Percent != 5 || weight.UpdatedAt == "" {
		t.Fatalf("Current() = %#v", weight)
	}
}

func TestTrafficRouterRejectsOutOfRange(t *testing.T) {
	router := NewTrafficRouter(setupSQLiteCache(t))
	if err := router.Shift(context.Background(), "v1", "p-1", 101); err == nil {
		t.Fatalf("Shift(101) error = nil")
	}
	if err := router.Shift(context.Background(), " ", "p-1", 5); err == nil {
		t.Fatalf("Shift() with empty version error = nil")
	}
}
