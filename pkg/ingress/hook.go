// Package ingress abstracts the host packet-filter framework that invokes
// per-packet hooks on the ingress path, with adapters for a TUN device and an
// in-memory pipe.
package ingress

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

// Verdict tells the framework what to do with a packet after a hook ran.
type Verdict int

const (
	// Accept lets the packet continue, possibly modified in place.
	Accept Verdict = iota
	// Drop discards the packet.
	Drop
)

func (v Verdict) String() string {
	if v == Drop {
		return "drop"
	}
	return "accept"
}

// Hook is invoked once per ingress packet. It may modify pkt in place but must
// not retain it after returning.
type Hook func(pkt []byte) Verdict

// Head is a registration point for hooks of one address family.
type Head interface {
	// AddHook registers h under name.
	AddHook(name string, h Hook) error
	// RemoveHook deregisters the hook registered under name.
	RemoveHook(name string) error
}

// Framework resolves the registration point for an address family.
// Implementations return an error wrapping rewrite.ErrNotFound when the
// family has no head.
type Framework interface {
	Head(f rewrite.Family) (Head, error)
}

// ErrHookExists is returned when registering a name twice on the same head.
var ErrHookExists = errors.New("hook already registered")

type namedHook struct {
	name string
	fn   Hook
}

// Chain is a Head that runs its hooks in registration order. Running the
// chain takes no lock; registrations replace the hook list atomically.
type Chain struct {
	mu    sync.Mutex
	hooks atomic.Pointer[[]namedHook]
}

var _ Head = (*Chain)(nil)

// AddHook implements Head.
func (c *Chain) AddHook(name string, h Hook) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cur []namedHook
	if p := c.hooks.Load(); p != nil {
		cur = *p
	}
	if slices.ContainsFunc(cur, func(nh namedHook) bool { return nh.name == name }) {
		return fmt.Errorf("%w: %s", ErrHookExists, name)
	}
	next := append(slices.Clone(cur), namedHook{name: name, fn: h})
	c.hooks.Store(&next)
	return nil
}

// RemoveHook implements Head.
func (c *Chain) RemoveHook(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cur []namedHook
	if p := c.hooks.Load(); p != nil {
		cur = *p
	}
	i := slices.IndexFunc(cur, func(nh namedHook) bool { return nh.name == name })
	if i < 0 {
		return fmt.Errorf("%w: hook %s", rewrite.ErrNotFound, name)
	}
	next := slices.Delete(slices.Clone(cur), i, i+1)
	c.hooks.Store(&next)
	return nil
}

// Hooks returns the names of the registered hooks in order.
func (c *Chain) Hooks() []string {
	p := c.hooks.Load()
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(*p))
	for _, nh := range *p {
		names = append(names, nh.name)
	}
	return names
}

// Run passes pkt through every hook until one drops it.
func (c *Chain) Run(pkt []byte) Verdict {
	p := c.hooks.Load()
	if p == nil {
		return Accept
	}
	for _, nh := range *p {
		if nh.fn(pkt) == Drop {
			return Drop
		}
	}
	return Accept
}
