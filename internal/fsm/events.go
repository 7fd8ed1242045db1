package fsm

import "context"

// Event is one input to the executor.
type Event interface {
	Name() string
}

// TokenFetched reports that the next input token was resolved. CacheHit
// indicates its KV entries are already resident, skipping the update state.
type TokenFetched struct {
	Token    int
	CacheHit bool
}

func (TokenFetched) Name() string { return "token_fetched" }

// CacheUpdated reports that the KV cache write for the current position
// completed.
type CacheUpdated struct{}

func (CacheUpdated) Name() string { return "cache_updated" }

// AttentionComputed reports that the attention dispatch for the current
// position completed.
type AttentionComputed struct{}

func (AttentionComputed) Name() string { return "attention_computed" }

// TokenEmitted carries the output token closing one loop iteration.
type TokenEmitted struct {
	Token int
}

func (TokenEmitted) Name() string { return "token_emitted" }

// RollbackRequested rewinds the executor to the loop head, discarding the
// in-flight iteration.
type RollbackRequested struct{}

func (RollbackRequested) Name() string { return "rollback_requested" }

// FatalError forces the executor into its terminal state.
type FatalError struct {
	Reason string
}

func (FatalError) Name() string { return "fatal_error" }

// EventSource produces the event stream a session consumes. Next blocks
// until an event is ready, the source is exhausted, or ctx is done. An
// exhausted source returns io.EOF.
type EventSource interface {
	Next(ctx context.Context) (Event, error)
}
