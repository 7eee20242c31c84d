package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCommandRestarter(t *testing.T) {
	if _, err := NewCommandRestarter("   ", time.Second); err == nil {
		t.Fatal("expected error for empty command")
	}
	ok, err := NewCommandRestarter("true", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := ok.Restart(context.Background()); err != nil {
		t.Fatalf("true: %v", err)
	}
	bad, _ := NewCommandRestarter("sh -c exit_3_please", time.Second)
	if err := bad.Restart(context.Background()); err == nil {
		t.Fatal("expected failure for non-zero exit")
	}
	slow, _ := NewCommandRestarter("sleep 5", 50*time.Millisecond)
	if err := slow.Restart(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if slow.String() != "sleep 5" {
		t.Fatalf("string: %q", slow.String())
	}
}
