package db

import (
	"context"
	"errors"
	"testing"
)

func TestAfterCommit_WithoutTransactionRunsNow(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func() { ran = true })
	if !ran {
		t.Fatal("expected callback to run immediately")
	}
}

func TestAfterCommit_WaitsForOutermostCommit(t *testing.T) {
	var order []string
	runner := NoTx{}
	err := runner.WithTx(context.Background(), func(ctx context.Context) error {
		err := runner.WithTx(ctx, func(ctx context.Context) error {
			AfterCommit(ctx, func() { order = append(order, "inner") })
			return nil
		})
		if err != nil {
			return err
		}
		order = append(order, "outer body")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "outer body" || order[1] != "inner" {
		t.Fatalf("callback ran before the outer transaction finished: %v", order)
	}
}

func TestAfterCommit_DroppedOnRollback(t *testing.T) {
	ran := false
	boom := errors.New("insert failed")
	err := NoTx{}.WithTx(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func() { ran = true })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if ran {
		t.Fatal("callback of a failed transaction must not run")
	}
}
