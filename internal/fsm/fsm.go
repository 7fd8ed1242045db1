// Package fsm implements the procedural token-streaming state machine that
// drives one inference session. The executor owns the transition table;
// memory and compute side effects are delegated to an Actions implementation
// so the machine itself stays deterministic and testable.
package fsm

import (
	"context"
	"errors"
	"fmt"

	"github.com/aurexhq/aurex/internal/logger"
	"github.com/aurexhq/aurex/internal/metrics"
)

// ErrInvalidTransition is returned when an event is not legal in the current
// state. The executor moves to StateError and stays there.
var ErrInvalidTransition = errors.New("fsm: invalid transition")

// State is one node of the token-streaming loop.
type State int

const (
	StateFetchToken State = iota
	StateKVCacheUpdate
	StateComputeAttention
	StateOutputToken
	StateError
)

func (s State) String() string {
	switch s {
	case StateFetchToken:
		return "fetch_token"
	case StateKVCacheUpdate:
		return "kv_cache_update"
	case StateComputeAttention:
		return "compute_attention"
	case StateOutputToken:
		return "output_token"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Actions receives the side effects of entering a state. Every method may
// fail, which drives the executor to StateError.
type Actions interface {
	// UpdateCache runs on entering StateKVCacheUpdate: allocate or fetch
	// the KV cache block for the current position.
	UpdateCache(ctx context.Context) error
	// ComputeAttention runs on entering StateComputeAttention.
	ComputeAttention(ctx context.Context) error
	// EmitToken runs when a TokenEmitted event completes a loop iteration.
	EmitToken(token int)
	// Rollback runs on a RollbackRequested event. It must leave block
	// refcounts exactly as they were before the rolled-back iteration.
	Rollback(ctx context.Context) error
}

// Observer is notified after every accepted transition.
type Observer interface {
	OnTransition(from, to State, ev Event)
}

// Executor is the per-session state machine. Step processes exactly one
// event; callers drive it from a single goroutine.
type Executor struct {
	state     State
	actions   Actions
	observers []Observer
	log       *logger.Logger
	steps     uint64
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver appends a transition observer.
func WithObserver(obs Observer) Option {
	return func(e *Executor) { e.observers = append(e.observers, obs) }
}

// New builds an executor in StateFetchToken.
func New(actions Actions, opts ...Option) *Executor {
	e := &Executor{
		state:   StateFetchToken,
		actions: actions,
		log:     logger.Log.Component("fsm"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State reports the current state.
func (e *Executor) State() State { return e.state }

// Steps reports how many events have been accepted.
func (e *Executor) Steps() uint64 { return e.steps }

// Step applies one event. It returns the state after the transition and any
// error raised by the transition table or the entry action. An illegal event
// or a failed action leaves the executor in StateError, which absorbs all
// further events.
func (e *Executor) Step(ctx context.Context, ev Event) (State, error) {
	if e.state == StateError {
		// FatalError is legal in every state; in the terminal state it
		// is an accepted no-op.
		if _, ok := ev.(FatalError); ok {
			return StateError, nil
		}
		return StateError, fmt.Errorf("%w: executor halted, dropping %s", ErrInvalidTransition, ev.Name())
	}

	next, ok := e.next(ev)
	if !ok {
		from := e.state
		metrics.InvalidTransitions.Inc()
		e.transition(StateError, ev)
		return StateError, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev.Name(), from)
	}

	if err := e.enter(ctx, next, ev); err != nil {
		e.transition(StateError, ev)
		return StateError, err
	}
	e.transition(next, ev)
	e.steps++
	return e.state, nil
}

// next resolves the transition table for the current state and event.
func (e *Executor) next(ev Event) (State, bool) {
	switch ev := ev.(type) {
	case TokenFetched:
		if e.state != StateFetchToken {
			return 0, false
		}
		if ev.CacheHit {
			return StateComputeAttention, true
		}
		return StateKVCacheUpdate, true
	case CacheUpdated:
		if e.state != StateKVCacheUpdate {
			return 0, false
		}
		return StateComputeAttention, true
	case AttentionComputed:
		if e.state != StateComputeAttention {
			return 0, false
		}
		return StateOutputToken, true
	case TokenEmitted:
		if e.state != StateOutputToken {
			return 0, false
		}
		return StateFetchToken, true
	case RollbackRequested:
		// Legal from every non-terminal state. At the loop head this is
		// a self-transition with nothing pending to discard.
		return StateFetchToken, true
	case FatalError:
		return StateError, true
	default:
		return 0, false
	}
}

// enter runs the side effect tied to the accepted transition.
func (e *Executor) enter(ctx context.Context, next State, ev Event) error {
	switch ev := ev.(type) {
	case TokenEmitted:
		e.actions.EmitToken(ev.Token)
		return nil
	case RollbackRequested:
		metrics.Rollbacks.Inc()
		return e.actions.Rollback(ctx)
	case FatalError:
		e.log.Error("fatal event", "reason", ev.Reason, "state", e.state.String())
		return nil
	}
	switch next {
	case StateKVCacheUpdate:
		return e.actions.UpdateCache(ctx)
	case StateComputeAttention:
		return e.actions.ComputeAttention(ctx)
	default:
		return nil
	}
}

func (e *Executor) transition(to State, ev Event) {
	from := e.state
	e.state = to
	metrics.RecordTransition(from.String(), to.String())
	e.log.Debug("transition", "from", from.String(), "to", to.String(), "event", ev.Name())
	for _, obs := range e.observers {
		obs.OnTransition(from, to, ev)
	}
}
