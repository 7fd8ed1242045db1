// Package engine runs inference sessions: one FSM executor per session over
// the shared tier store and backend dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/aurexhq/aurex/internal/backend"
	"github.com/aurexhq/aurex/internal/config"
	"github.com/aurexhq/aurex/internal/fsm"
	"github.com/aurexhq/aurex/internal/logger"
	"github.com/aurexhq/aurex/internal/memtier"
	"github.com/aurexhq/aurex/internal/metrics"
)

// OutputFunc receives each emitted token.
type OutputFunc func(token int)

var activeSessions atomic.Int64

// ActiveSessions reports how many session loops are currently running.
func ActiveSessions() int64 { return activeSessions.Load() }

// Session drives one token stream. It implements fsm.Actions so state
// entries turn into allocations and dispatches against the shared store.
// A session is single-threaded; the store and dispatcher behind it are
// shared across sessions.
type Session struct {
	cfg        config.Config
	store      *memtier.Store
	dispatcher *backend.Dispatcher
	exec       *fsm.Executor
	output     OutputFunc
	log        *logger.Logger

	dim               int
	query, key, value memtier.BlockID
	cache             map[int]memtier.BlockID
	position          int
	emitted           int
	pendingCache      bool
	lastOutput        memtier.BlockID
	hasOutput         bool
	closed            bool
}

var _ fsm.Actions = (*Session)(nil)

// NewSession allocates the session's operand blocks and builds its executor.
func NewSession(store *memtier.Store, dispatcher *backend.Dispatcher, cfg config.Config, output OutputFunc, opts ...fsm.Option) (*Session, error) {
	if output == nil {
		output = func(int) {}
	}
	s := &Session{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		output:     output,
		log:        logger.Log.Component("session"),
		dim:        cfg.Dim,
		cache:      make(map[int]memtier.BlockID),
	}

	seed := make([]float32, s.dim)
	for i := range seed {
		seed[i] = 1 / float32(s.dim)
	}
	operandBytes := int64(s.dim) * 4
	var err error
	if s.query, err = s.newBlock(operandBytes, seed); err != nil {
		return nil, err
	}
	if s.key, err = s.newBlock(operandBytes, seed); err != nil {
		s.Close()
		return nil, err
	}
	if s.value, err = s.newBlock(operandBytes, seed); err != nil {
		s.Close()
		return nil, err
	}
	s.exec = fsm.New(s, opts...)
	return s, nil
}

func (s *Session) newBlock(size int64, vals []float32) (memtier.BlockID, error) {
	id, err := s.store.Allocate(size, memtier.TempHot)
	if err != nil {
		return 0, fmt.Errorf("session block: %w", err)
	}
	if err := s.store.Write(id, vals); err != nil {
		s.store.Free(id)
		return 0, fmt.Errorf("session block: %w", err)
	}
	return id, nil
}

// State exposes the executor state for diagnostics.
func (s *Session) State() fsm.State { return s.exec.State() }

// Emitted reports how many tokens the session has produced.
func (s *Session) Emitted() int { return s.emitted }

// Run consumes events from source until it is exhausted, ctx is done, or the
// executor halts. Source exhaustion is the normal end of a stream.
func (s *Session) Run(ctx context.Context, source fsm.EventSource) error {
	metrics.SessionsActive.Inc()
	activeSessions.Add(1)
	defer func() {
		metrics.SessionsActive.Dec()
		activeSessions.Add(-1)
	}()

	for {
		ev, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("event source: %w", err)
		}
		start := time.Now()
		_, err = s.exec.Step(ctx, ev)
		metrics.RecordStep(time.Since(start))
		if err != nil {
			return fmt.Errorf("step %d: %w", s.exec.Steps(), err)
		}
	}
}

// UpdateCache allocates the KV cache block for the current position, or
// touches it if a previous pass already created it.
func (s *Session) UpdateCache(ctx context.Context) error {
	if blk, ok := s.cache[s.position]; ok {
		if _, err := s.store.Get(blk); err != nil {
			return fmt.Errorf("touch cache block for position %d: %w", s.position, err)
		}
		return nil
	}
	blk, err := s.newBlock(s.cfg.KVBlockBytes, make([]float32, s.dim))
	if err != nil {
		return fmt.Errorf("cache block for position %d: %w", s.position, err)
	}
	s.cache[s.position] = blk
	s.pendingCache = true
	return nil
}

// ComputeAttention dispatches the attention op for the current position.
func (s *Session) ComputeAttention(ctx context.Context) error {
	blk, ok := s.cache[s.position]
	if !ok {
		// Hit path with no resident block yet, e.g. the first pass over
		// a position the source believed was cached.
		if err := s.UpdateCache(ctx); err != nil {
			return err
		}
		blk = s.cache[s.position]
	}
	res, err := s.dispatcher.Dispatch(backend.OpRequest{
		Op:       backend.OpAttention,
		Operands: []memtier.BlockID{s.query, s.key, s.value, blk},
	})
	if err != nil {
		return err
	}
	s.dropOutput()
	s.lastOutput = res.Output
	s.hasOutput = true
	return nil
}

// EmitToken commits the current iteration and advances the stream position.
func (s *Session) EmitToken(token int) {
	s.output(token)
	metrics.TokensEmittedTotal.Inc()
	s.emitted++
	s.pendingCache = false
	s.position++
}

// Rollback discards the in-flight iteration. The cache block allocated for
// the current position (if this iteration created it) and the uncommitted
// attention output are freed, leaving usage and reference counts as they
// were when the iteration started.
func (s *Session) Rollback(ctx context.Context) error {
	if s.pendingCache {
		if blk, ok := s.cache[s.position]; ok {
			if err := s.store.Free(blk); err != nil {
				return fmt.Errorf("rollback cache block: %w", err)
			}
			delete(s.cache, s.position)
		}
		s.pendingCache = false
	}
	s.dropOutput()
	return nil
}

func (s *Session) dropOutput() {
	if !s.hasOutput {
		return
	}
	if err := s.store.Free(s.lastOutput); err != nil {
		s.log.Warn("freeing attention output failed", "block", s.lastOutput, "error", err)
	}
	s.hasOutput = false
}

// Close frees every block the session owns. Safe to call in any executor
// state and more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.dropOutput()
	var firstErr error
	free := func(id memtier.BlockID) {
		if id == 0 {
			return
		}
		if err := s.store.Free(id); err != nil && !errors.Is(err, memtier.ErrUnknownBlock) && firstErr == nil {
			firstErr = err
		}
	}
	for _, blk := range s.cache {
		free(blk)
	}
	s.cache = map[int]memtier.BlockID{}
	free(s.query)
	free(s.key)
	free(s.value)
	s.query, s.key, s.value = 0, 0, 0
	return firstErr
}
