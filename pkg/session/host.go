package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Host runs at most one session at a time.
type Host struct {
	cfg  Config
	deps Deps

	startMu sync.Mutex
	mu      sync.Mutex
	current *Controller
}

// NewHost returns a host with no running session.
func NewHost(cfg Config, deps Deps) *Host {
	return &Host{cfg: cfg, deps: deps}
}

// Start closes the current session, if any, and opens a new one for
// courseName.
func (h *Host) Start(ctx context.Context, courseName string) (*Controller, error) {
	if _, err := validateCourseName(courseName); err != nil {
		return nil, err
	}

	h.startMu.Lock()
	defer h.startMu.Unlock()

	if err := h.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return nil, fmt.Errorf("closing current session: %w", err)
	}

	c := NewController(h.cfg, h.deps)
	h.mu.Lock()
	h.current = c
	h.mu.Unlock()

	if err := c.Open(ctx, courseName); err != nil {
		_ = c.Close(context.WithoutCancel(ctx))
		h.mu.Lock()
		if h.current == c {
			h.current = nil
		}
		h.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Stop closes the current session. It returns ErrNoSession when none runs.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	c := h.current
	h.current = nil
	h.mu.Unlock()

	if c == nil {
		return ErrNoSession
	}
	return c.Close(ctx)
}

// Current returns the running controller or nil.
func (h *Host) Current() *Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Notifier returns the event fan-out shared by every session of the host.
func (h *Host) Notifier() *Notifier { return h.deps.Notifier }

// Close stops the current session, if any.
func (h *Host) Close(ctx context.Context) error {
	if err := h.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}
