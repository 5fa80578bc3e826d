package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSignatures(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/settle"),
		attribute.String("signature", "5h1x"),
		attribute.String("session_ref", ""),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	err := SafeError(errors.New(strings.Repeat("x", 1000)))
	if len(err.Error()) != maxErrorMessage {
		t.Fatalf("expected truncated message, got %d chars", len(err.Error()))
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
