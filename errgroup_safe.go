package droidfleet

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// SafeGroup is an errgroup.Group for fan-out work whose goroutines must never
// take each other down.
//
// It provides:
// - GoRecover: runs fn and converts a panic into a returned error value.
// - WaitOrInterrupt: waits for group completion, giving up after a grace period once interrupted.
type SafeGroup struct {
	group errgroup.Group
	// parent is the caller-provided context (typically signal.NotifyContext).
	parent context.Context
}

// NewSafeGroup creates a SafeGroup whose WaitOrInterrupt gives up when ctx is
// canceled. Goroutines do not share a derived context: one failing never
// cancels the others.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SafeGroup{parent: ctx}
}

// PanicError carries a recovered panic value and the goroutine stack.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Name, e.Value)
}

// GoRecover runs fn in the group. A panic in fn is recovered and handed to
// onPanic instead of crashing the process.
func (sg *SafeGroup) GoRecover(name string, fn func(), onPanic func(*PanicError)) {
	if sg == nil || fn == nil {
		return
	}
	sg.group.Go(func() error {
		defer func() {
			if r := recover(); r != nil && onPanic != nil {
				onPanic(&PanicError{Name: name, Value: r, Stack: debug.Stack()})
			}
		}()
		fn()
		return nil
	})
}

// WaitOrInterrupt waits for the group's goroutines to finish. When the parent
// context is canceled first it waits up to gracePeriod more for stragglers,
// then returns parent.Err() whether or not they finished.
func (sg *SafeGroup) WaitOrInterrupt(gracePeriod time.Duration) error {
	if sg == nil {
		return nil
	}
	ctx := sg.parent
	waitCh := make(chan struct{})
	go func() {
		_ = sg.group.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
	}
	if gracePeriod > 0 {
		timer := time.NewTimer(gracePeriod)
		defer timer.Stop()
		select {
		case <-waitCh:
		case <-timer.C:
		}
	}
	return ctx.Err()
}
