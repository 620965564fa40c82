// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// callState is the state of a [*pendingCall].
type callState int

const (
	stateDispatched = callState(iota)
	stateCompleted
	stateFailed
	stateCancelled
)

// String implements [fmt.Stringer].
func (s callState) String() string {
	switch s {
	case stateDispatched:
		return "dispatched"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	case stateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("callState(%d)", int(s))
	}
}

// bridge hands the outcomes produced on [Core] goroutines over to the
// goroutines waiting in [*Engine.Execute].
//
// The table of pending calls is the only structure written both by the
// completion path and by the cancellation path. Both go through claim,
// so exactly one of them observes a given call in the dispatched state.
type bridge struct {
	core    Core
	grace   time.Duration
	logger  SLogger
	timeNow func() time.Time

	mu    sync.Mutex
	table map[Handle]*pendingCall
}

func newBridge(core Core, cfg *Config) *bridge {
	return &bridge{
		core:    core,
		grace:   cfg.CancelGrace,
		logger:  cfg.Logger,
		timeNow: cfg.TimeNow,
		table:   map[Handle]*pendingCall{},
	}
}

// pendingCall is a dispatched call awaiting its terminal outcome.
type pendingCall struct {
	b      *bridge
	h      Handle
	spanID string
	state  callState

	// outcome receives the outcome when the completion wins the claim.
	outcome chan Outcome

	// ack is closed when the completion loses the claim.
	ack chan struct{}
}

// dispatch submits the request and registers the pending call.
func (b *bridge) dispatch(req *WireRequest, cfg *Config) (*pendingCall, error) {
	pc := &pendingCall{
		b:       b,
		spanID:  req.SpanID,
		state:   stateDispatched,
		outcome: make(chan Outcome, 1),
		ack:     make(chan struct{}),
	}
	h, err := b.core.Submit(req, cfg, pc.complete)
	if err != nil {
		return nil, err
	}
	b.register(h, pc)
	return pc, nil
}

// register inserts the call unless its outcome already arrived, which
// happens when the core completes before Submit returns.
func (b *bridge) register(h Handle, pc *pendingCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pc.h = h
	if pc.state == stateDispatched {
		b.table[h] = pc
	}
}

// claim moves the call to the given terminal state and removes it from
// the table. It returns false when another path already claimed it.
func (b *bridge) claim(pc *pendingCall, state callState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pc.state != stateDispatched {
		return false
	}
	pc.state = state
	if pc.h != 0 {
		delete(b.table, pc.h)
	}
	return true
}

// pending returns the number of calls in the table.
func (b *bridge) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.table)
}

// complete is the [CompletionFunc] bound to the call.
//
// It runs on a core goroutine: it never blocks and never panics.
func (pc *pendingCall) complete(h Handle, outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			pc.b.logger.Warn(
				"completionPanic",
				slog.Any("panic", r),
				slog.String("spanID", pc.spanID),
				slog.Time("t", pc.b.timeNow()),
			)
		}
	}()

	state := stateCompleted
	if outcome.Err != nil {
		state = stateFailed
	}
	if pc.b.claim(pc, state) {
		pc.outcome <- outcome // buffered: never blocks
		return
	}

	// The caller went away: nobody will consume the body.
	if outcome.Response != nil && outcome.Response.Body != nil {
		outcome.Response.Body.Close()
	}
	close(pc.ack)
}

// wait blocks until the call reaches a terminal state.
//
// When ctx is done first and the cancellation wins the claim, wait asks
// the core to cancel, waits at most the grace period for the core to
// acknowledge and returns an [*Error] of kind cancelKind.
func (pc *pendingCall) wait(ctx context.Context, cancelKind func(context.Context) error) Outcome {
	select {
	case outcome := <-pc.outcome:
		return outcome
	case <-ctx.Done():
	}

	if !pc.b.claim(pc, stateCancelled) {
		return <-pc.outcome
	}

	pc.b.core.Cancel(pc.h)
	timer := time.NewTimer(pc.b.grace)
	defer timer.Stop()
	select {
	case <-pc.ack:
	case <-timer.C:
		pc.b.logger.Warn(
			"cancelNotAcknowledged",
			slog.Duration("grace", pc.b.grace),
			slog.String("spanID", pc.spanID),
			slog.Time("t", pc.b.timeNow()),
		)
	}
	return Outcome{Err: cancelKind(ctx)}
}
