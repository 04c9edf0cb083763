package observability

import (
	"context"
	"testing"
)

func TestInitTracing_NoneIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), Options{ServiceName: "relay-test", Exporter: "none"})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "test.span")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
