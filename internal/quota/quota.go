// Package quota meters LLM invocations per organization over a rolling
// window. Every agent invocation, delegated or not, costs one unit.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/engine"
)

// orgWindow tracks usage for a single organization within one window.
type orgWindow struct {
	limit   int
	used    int
	resetAt time.Time
}

// Manager enforces per-organization message quotas with a fixed-window
// counter. All state is in-memory (resets on restart). Thread-safe.
type Manager struct {
	mu           sync.Mutex
	defaultLimit int
	window       time.Duration
	orgs         map[uuid.UUID]*orgWindow
	logger       *slog.Logger
	now          func() time.Time // Injectable for tests.
}

// NewManager creates a quota manager. defaultLimit <= 0 disables metering
// for organizations without a positive SetLimit override. window defaults
// to 24h when zero.
func NewManager(defaultLimit int, window time.Duration, logger *slog.Logger) *Manager {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Manager{
		defaultLimit: defaultLimit,
		window:       window,
		orgs:         make(map[uuid.UUID]*orgWindow),
		logger:       logger,
		now:          time.Now,
	}
}

// SetLimit overrides the limit for one organization.
func (m *Manager) SetLimit(orgID uuid.UUID, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.getOrCreate(orgID)
	w.limit = limit
}

// Consume takes n units from the org's current window. Returns
// engine.ErrQuotaExceeded when the allowance is exhausted; nothing is
// consumed in that case.
func (m *Manager) Consume(ctx context.Context, orgID uuid.UUID, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.getOrCreate(orgID)
	// The disabled check lives on the org's own limit so a positive
	// per-org override still meters when the default limit is off.
	if w.limit <= 0 {
		return nil
	}
	now := m.now()
	if now.After(w.resetAt) {
		w.used = 0
		w.resetAt = now.Add(m.window)
	}

	if w.used+n > w.limit {
		m.logger.WarnContext(ctx, "quota exhausted",
			slog.String("org_id", orgID.String()),
			slog.Int("used", w.used),
			slog.Int("limit", w.limit),
		)
		return fmt.Errorf("%w: %d of %d messages used for org %s",
			engine.ErrQuotaExceeded, w.used, w.limit, orgID)
	}

	w.used += n
	return nil
}

// Remaining returns the org's unused allowance in the current window.
func (m *Manager) Remaining(orgID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.getOrCreate(orgID)
	if m.now().After(w.resetAt) {
		return w.limit
	}
	return w.limit - w.used
}

func (m *Manager) getOrCreate(orgID uuid.UUID) *orgWindow {
	w, ok := m.orgs[orgID]
	if !ok {
		w = &orgWindow{limit: m.defaultLimit, resetAt: m.now().Add(m.window)}
		m.orgs[orgID] = w
	}
	return w
}

// Compile-time check.
var _ engine.QuotaManager = (*Manager)(nil)
