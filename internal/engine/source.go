package engine

import (
	"context"
	"io"

	"github.com/aurexhq/aurex/internal/fsm"
)

// ScriptedSource replays a fixed event slice. Used by tests and replay
// tooling.
type ScriptedSource struct {
	events []fsm.Event
	next   int
}

// NewScriptedSource builds a source over the given events.
func NewScriptedSource(events ...fsm.Event) *ScriptedSource {
	return &ScriptedSource{events: events}
}

func (s *ScriptedSource) Next(ctx context.Context) (fsm.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.next]
	s.next++
	return ev, nil
}

// Generator synthesizes the canonical event cycle for n tokens. Positions
// revisited never occur, so every even position misses the cache and every
// odd one is reported as a hit to exercise both paths.
type Generator struct {
	tokens  int
	pos     int
	pending []fsm.Event
}

// NewGenerator builds a source producing the full loop for n tokens.
func NewGenerator(n int) *Generator {
	return &Generator{tokens: n}
}

func (g *Generator) Next(ctx context.Context) (fsm.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(g.pending) == 0 {
		if g.pos >= g.tokens {
			return nil, io.EOF
		}
		hit := g.pos%2 == 1
		g.pending = append(g.pending, fsm.TokenFetched{Token: g.pos, CacheHit: hit})
		if !hit {
			g.pending = append(g.pending, fsm.CacheUpdated{})
		}
		g.pending = append(g.pending, fsm.AttentionComputed{}, fsm.TokenEmitted{Token: g.pos})
		g.pos++
	}
	ev := g.pending[0]
	g.pending = g.pending[1:]
	return ev, nil
}
