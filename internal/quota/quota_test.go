package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConsumeWithinLimit(t *testing.T) {
	m := NewManager(3, time.Hour, testLogger())
	org := uuid.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.Consume(ctx, org, 1); err != nil {
			t.Fatalf("consume %d: unexpected error: %v", i, err)
		}
	}
	if err := m.Consume(ctx, org, 1); !errors.Is(err, engine.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if got := m.Remaining(org); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}
}

func TestConsumeRejectsWithoutPartialDebit(t *testing.T) {
	m := NewManager(5, time.Hour, testLogger())
	org := uuid.New()
	ctx := context.Background()

	if err := m.Consume(ctx, org, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Consume(ctx, org, 2); !errors.Is(err, engine.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// The rejected consume must not have taken the remaining unit.
	if err := m.Consume(ctx, org, 1); err != nil {
		t.Fatalf("remaining unit should still be available: %v", err)
	}
}

func TestWindowReset(t *testing.T) {
	m := NewManager(1, time.Hour, testLogger())
	org := uuid.New()
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	if err := m.Consume(ctx, org, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Consume(ctx, org, 1); !errors.Is(err, engine.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if err := m.Consume(ctx, org, 1); err != nil {
		t.Fatalf("window should have reset: %v", err)
	}
}

func TestDisabledMetering(t *testing.T) {
	m := NewManager(0, time.Hour, testLogger())
	org := uuid.New()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := m.Consume(ctx, org, 1); err != nil {
			t.Fatalf("metering disabled, consume must succeed: %v", err)
		}
	}
}

func TestOverrideMetersWhenDefaultDisabled(t *testing.T) {
	m := NewManager(0, time.Hour, testLogger())
	capped, free := uuid.New(), uuid.New()
	ctx := context.Background()

	m.SetLimit(capped, 2)

	for i := 0; i < 2; i++ {
		if err := m.Consume(ctx, capped, 1); err != nil {
			t.Fatalf("capped org consume %d: %v", i, err)
		}
	}
	if err := m.Consume(ctx, capped, 1); !errors.Is(err, engine.ErrQuotaExceeded) {
		t.Fatalf("override must still meter with the default off, got %v", err)
	}
	// Orgs without an override stay unmetered.
	for i := 0; i < 10; i++ {
		if err := m.Consume(ctx, free, 1); err != nil {
			t.Fatalf("unmetered org consume %d: %v", i, err)
		}
	}
}

func TestPerOrgLimitOverride(t *testing.T) {
	m := NewManager(1, time.Hour, testLogger())
	a, b := uuid.New(), uuid.New()
	ctx := context.Background()

	m.SetLimit(a, 3)

	for i := 0; i < 3; i++ {
		if err := m.Consume(ctx, a, 1); err != nil {
			t.Fatalf("org a consume %d: %v", i, err)
		}
	}
	if err := m.Consume(ctx, b, 1); err != nil {
		t.Fatalf("org b first consume: %v", err)
	}
	if err := m.Consume(ctx, b, 1); !errors.Is(err, engine.ErrQuotaExceeded) {
		t.Fatalf("org b should be capped at default limit, got %v", err)
	}
}
