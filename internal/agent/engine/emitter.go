package engine

import (
	"context"

	"github.com/jonboulle/clockwork"

	"github.com/chative/agent-runtime/internal/agent/model"
)

// emitter writes the ordered events of one turn. After a terminal event every
// further emit is dropped.
type emitter struct {
	ctx   context.Context
	ch    chan<- model.StreamEvent
	clock clockwork.Clock
	done  bool
	// content accumulates delta events so complete carries their concatenation.
	content []byte
}

// emit returns false once the consumer is gone or the turn has ended.
func (em *emitter) emit(t model.EventType, data any) bool {
	if em.done {
		return false
	}
	if t.Terminal() {
		em.done = true
	}
	ev := model.NewEvent(t, data, em.clock.Now())
	select {
	case em.ch <- ev:
		return true
	case <-em.ctx.Done():
		em.done = true
		return false
	}
}

func (em *emitter) delta(s string) bool {
	if s == "" {
		return true
	}
	em.content = append(em.content, s...)
	return em.emit(model.EventDelta, model.DeltaData{Content: s})
}

func (em *emitter) text() string { return string(em.content) }
