// Package engine manages the lifecycle of the DSCP rewrite hooks on a host
// ingress framework.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/apoxy-dev/dscp-rewrite/pkg/ingress"
	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

// Hook names registered on the ingress heads.
const (
	HookIPv4 = "dscp_rewrite_in"
	HookIPv6 = "dscp_rewrite_in6"
)

// Engine installs the rewrite hooks on load and removes them on unload.
// Unloading is refused while any rewrite table slot is active.
type Engine struct {
	mutator *rewrite.Mutator

	mu     sync.Mutex
	ipv4   ingress.Head
	ipv6   ingress.Head
	loaded bool
}

// New returns an unloaded engine applying m.
func New(m *rewrite.Mutator) *Engine {
	return &Engine{mutator: m}
}

// Mutator returns the packet mutator driven by the hooks.
func (e *Engine) Mutator() *rewrite.Mutator { return e.mutator }

// Table returns the rewrite table.
func (e *Engine) Table() *rewrite.Table { return e.mutator.Table() }

// Loaded reports whether the hooks are installed.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *Engine) hookIPv4(pkt []byte) ingress.Verdict {
	e.mutator.RewriteIPv4(pkt)
	return ingress.Accept
}

func (e *Engine) hookIPv6(pkt []byte) ingress.Verdict {
	e.mutator.RewriteIPv6(pkt)
	return ingress.Accept
}

func head(fw ingress.Framework, f rewrite.Family) (ingress.Head, error) {
	h, err := fw.Head(f)
	if err != nil {
		if !errors.Is(err, rewrite.ErrNotFound) {
			err = fmt.Errorf("%w: %w", rewrite.ErrNotFound, err)
		}
		return nil, fmt.Errorf("failed to get %s ingress head: %w", f, err)
	}
	return h, nil
}

// Load registers one hook on the IPv4 head and one on the IPv6 head of fw.
// Both heads are resolved before anything is registered, so a missing head
// leaves fw untouched and yields an error wrapping rewrite.ErrNotFound.
func (e *Engine) Load(fw ingress.Framework) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		return fmt.Errorf("%w: hooks already loaded", rewrite.ErrBusy)
	}

	h4, err := head(fw, rewrite.IPv4)
	if err != nil {
		return err
	}
	h6, err := head(fw, rewrite.IPv6)
	if err != nil {
		return err
	}

	if err := h4.AddHook(HookIPv4, e.hookIPv4); err != nil {
		return fmt.Errorf("failed to add %s hook: %w", HookIPv4, err)
	}
	if err := h6.AddHook(HookIPv6, e.hookIPv6); err != nil {
		if rerr := h4.RemoveHook(HookIPv4); rerr != nil {
			slog.Error("Failed to roll back hook", slog.String("hook", HookIPv4), slog.Any("error", rerr))
		}
		return fmt.Errorf("failed to add %s hook: %w", HookIPv6, err)
	}

	e.ipv4, e.ipv6 = h4, h6
	e.loaded = true

	slog.Info("Loaded DSCP rewrite hooks")

	return nil
}

// Unload removes the hooks. It fails with an error wrapping rewrite.ErrBusy
// while any slot 1..63 of either family holds a destination.
func (e *Engine) Unload() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return fmt.Errorf("%w: hooks not loaded", rewrite.ErrNotFound)
	}
	if entries := e.Table().Entries(); len(entries) > 0 {
		return fmt.Errorf("%w: %d rewrite entries still active (first %s.%d => %s)",
			rewrite.ErrBusy, len(entries), entries[0].Family, entries[0].DSCP, entries[0].Addr)
	}

	err := errors.Join(
		e.ipv4.RemoveHook(HookIPv4),
		e.ipv6.RemoveHook(HookIPv6),
	)
	e.ipv4, e.ipv6 = nil, nil
	e.loaded = false
	if err != nil {
		return fmt.Errorf("failed to remove hooks: %w", err)
	}

	slog.Info("Unloaded DSCP rewrite hooks")

	return nil
}
