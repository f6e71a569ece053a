package task

import (
	"context"
	"testing"
	"time"

	"github.com/tbergin/freshet/internal/ledger"
	"github.com/tbergin/freshet/internal/model"
)

func TestRetrySweepAction_RedeliversFailed(t *testing.T) {
	store := ledger.NewMemory()
	ctx := context.Background()

	rec, _, _ := store.RecordSeen(ctx, "orders", "orders/a.csv", "abc")
	if err := store.MarkFailed(ctx, rec.ID, "copy timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	var redelivered []model.FileEvent
	act := RetrySweepAction(store, time.Hour, func(ctx context.Context, ev model.FileEvent) error {
		redelivered = append(redelivered, ev)
		return nil
	})
	if err := act.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(redelivered) != 1 {
		t.Fatalf("redelivered: got %d events, want 1", len(redelivered))
	}
	if redelivered[0].Path != "orders/a.csv" || redelivered[0].Checksum != "abc" {
		t.Errorf("redelivered event: %+v", redelivered[0])
	}
}

func TestRetrySweepAction_RedeliversOrphanedClaims(t *testing.T) {
	store := ledger.NewMemory()
	ctx := context.Background()

	// Claimed but never finalized, as a worker that crashed mid-load.
	// Without redelivery the file would stay pending forever.
	if _, claimed, _ := store.RecordSeen(ctx, "orders", "orders/stuck.csv", "abc"); !claimed {
		t.Fatal("first sight should claim")
	}

	window := 20 * time.Millisecond
	time.Sleep(30 * time.Millisecond)

	// A live claim inside the window must be left alone.
	if _, claimed, _ := store.RecordSeen(ctx, "orders", "orders/busy.csv", "xyz"); !claimed {
		t.Fatal("first sight should claim")
	}

	var redelivered []model.FileEvent
	act := RetrySweepAction(store, window, func(ctx context.Context, ev model.FileEvent) error {
		redelivered = append(redelivered, ev)
		return nil
	})
	if err := act.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(redelivered) != 1 {
		t.Fatalf("redelivered: got %d events, want 1", len(redelivered))
	}
	if redelivered[0].Path != "orders/stuck.csv" {
		t.Errorf("redelivered path: got %s, want orders/stuck.csv", redelivered[0].Path)
	}
}
