// Package events implements the EventBus of spec.md §4.12: structured
// event emission with synchronous, abortable pre-hooks and synchronous or
// asynchronous post-hooks (webhook fanout, audit log).
package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aegisid/op/pkg/logger"
)

// Context is the per-event request context spec §4.12 names.
type Context struct {
	RequestID string
	SessionID string
	ClientID  string
	IPAddress string
}

// Event is the structured record every EventBus emission carries.
// EventName follows "{domain}.{resource}.{action}[.{modifier}]".
type Event struct {
	EventID   string
	Name      string
	Timestamp time.Time
	TenantID  string
	Context   Context
	Actor     string
	Target    string
	Data      map[string]any
}

// PreHook runs synchronously before an operation commits and may abort it
// by returning a non-nil error.
type PreHook func(ctx context.Context, ev Event) error

// PostHook runs after an operation commits; Async hooks run out of band
// on Bus's own errgroup, never blocking the caller.
type PostHook struct {
	Name  string
	Async bool
	Run   func(ctx context.Context, ev Event) error
}

// Bus is the process-wide event dispatcher. It carries no queue of its
// own: pre-hooks run inline, synchronous post-hooks run inline, and async
// post-hooks are fire-and-forget goroutines bounded by an errgroup so a
// caller that wants to drain them at shutdown can (Bus.Wait).
type Bus struct {
	pre  map[string][]PreHook
	post map[string][]PostHook
	wg   *errgroup.Group
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		pre:  make(map[string][]PreHook),
		post: make(map[string][]PostHook),
		wg:   &errgroup.Group{},
	}
}

// OnBefore registers a pre-hook for eventName.
func (b *Bus) OnBefore(eventName string, hook PreHook) {
	b.pre[eventName] = append(b.pre[eventName], hook)
}

// OnAfter registers a post-hook for eventName.
func (b *Bus) OnAfter(eventName string, hook PostHook) {
	b.post[eventName] = append(b.post[eventName], hook)
}

// Before runs every registered pre-hook for ev.Name in registration
// order, aborting (and skipping the remainder) on the first error.
func (b *Bus) Before(ctx context.Context, ev Event) error {
	for _, hook := range b.pre[ev.Name] {
		if err := hook(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Emit stamps ev with an id/timestamp if absent and runs every registered
// post-hook: synchronous hooks inline (their error is logged, never
// returned — a webhook failure must not unwind the caller's already-
// committed operation), asynchronous hooks on the Bus's errgroup.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.EventID == "" {
		ev.EventID = NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	for _, hook := range b.post[ev.Name] {
		hook := hook
		if hook.Async {
			b.wg.Go(func() error {
				if err := hook.Run(ctx, ev); err != nil {
					logger.Warnw("async event hook failed", "hook", hook.Name, "event", ev.Name, "error", err)
				}
				return nil
			})
			continue
		}
		if err := hook.Run(ctx, ev); err != nil {
			logger.Warnw("event hook failed", "hook", hook.Name, "event", ev.Name, "error", err)
		}
	}
}

// Wait blocks until every in-flight asynchronous post-hook has returned;
// intended for graceful shutdown.
func (b *Bus) Wait() error {
	return b.wg.Wait()
}

// NewID returns a random, URL-safe event/challenge/request identifier.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is a fatal platform condition; spec §7's
		// fail-closed default applies even to id generation.
		panic(fmt.Sprintf("events: failed to generate random id: %v", err))
	}
	return hex.EncodeToString(buf)
}
