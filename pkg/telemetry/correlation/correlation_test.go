package correlation

import (
	"context"
	"testing"
	"time"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "01HX")
	_, cid := EnsureCorrelationID(ctx)
	if cid != "01HX" {
		t.Fatalf("expected existing id, got %q", cid)
	}
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	if len(cid) != 26 {
		t.Fatalf("expected ulid, got %q", cid)
	}
	if ExtractCorrelationID(ctx) != cid {
		t.Fatalf("expected id on context")
	}
}

func TestDetachDropsDeadline(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	parent = ContextWithCorrelationID(parent, "01HY")

	detached := Detach(parent)
	if _, ok := detached.Deadline(); ok {
		t.Fatalf("expected no deadline")
	}
	if ExtractCorrelationID(detached) != "01HY" {
		t.Fatalf("expected correlation id to survive")
	}
}
