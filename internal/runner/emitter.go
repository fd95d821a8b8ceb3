package runner

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/council-cli/api/schemas"
	"github.com/xkilldash9x/council-cli/internal/observability"
)

// defaultEventBuffer bounds the event channel between runner and manager.
const defaultEventBuffer = 100

// Emitter carries a job's events to its consumer over a bounded channel.
//
// Two delivery classes exist. Boundary events (JobStarted, PhaseStarted,
// ArtifactWritten, CommandStarted/Finished, Warning, Error, JobFinished)
// block until delivered and are never dropped. PhaseNote events must never
// block the runner: when the channel is full they are parked in a
// latest-wins slot per phase and flushed before the next delivery attempt.
// Exactly one JobFinished passes through per emitter lifetime, after which
// the channel is closed.
type Emitter struct {
	ch  chan schemas.Event
	log *zap.Logger

	// sendMu serializes channel sends against the close in Finish.
	sendMu sync.Mutex
	closed bool

	mu           sync.Mutex
	pendingNotes map[string]string
	noteOrder    []string

	finishOnce sync.Once
}

func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Emitter{
		ch:           make(chan schemas.Event, buffer),
		pendingNotes: make(map[string]string),
		log:          observability.GetLogger().Named("emitter"),
	}
}

// Events is the consumer side. It is closed after the terminal event.
func (e *Emitter) Events() <-chan schemas.Event { return e.ch }

// Send delivers a boundary event, blocking until the channel accepts it.
// Events sent after the terminal event are dropped.
func (e *Emitter) Send(event schemas.Event) {
	e.flushNotes(false)
	if !e.deliver(event, true) {
		e.log.Debug("dropping event after terminal", zap.String("type", event.EventType()))
	}
}

// Note records a coalescible progress message for a phase. It never blocks:
// if the channel is full the latest message per phase is kept and older
// ones for that phase are overwritten.
func (e *Emitter) Note(phase, message string) {
	e.mu.Lock()
	if _, seen := e.pendingNotes[phase]; !seen {
		e.noteOrder = append(e.noteOrder, phase)
	}
	e.pendingNotes[phase] = message
	e.mu.Unlock()

	e.flushNotes(false)
}

// Finish emits the terminal JobFinished event exactly once and closes the
// channel. Later Finish calls are no-ops, which lets failure paths call it
// defensively.
func (e *Emitter) Finish(outcome schemas.Outcome, summary string) {
	e.finishOnce.Do(func() {
		e.flushNotes(true)
		e.deliver(schemas.JobFinished{Outcome: outcome, SummaryLine: summary}, true)

		e.sendMu.Lock()
		e.closed = true
		close(e.ch)
		e.sendMu.Unlock()
	})
}

// Finished reports whether the terminal event has been emitted.
func (e *Emitter) Finished() bool {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.closed
}

// deliver sends one event, honoring the closed flag. Returns false when the
// event was not delivered.
func (e *Emitter) deliver(event schemas.Event, block bool) bool {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.closed {
		return false
	}
	if block {
		e.ch <- event
		return true
	}
	select {
	case e.ch <- event:
		return true
	default:
		return false
	}
}

// flushNotes drains parked notes into the channel. Non-blocking by default;
// a blocking flush runs right before the terminal event so no note is lost
// at the end of a job.
func (e *Emitter) flushNotes(block bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var kept []string
	for _, phase := range e.noteOrder {
		message, ok := e.pendingNotes[phase]
		if !ok {
			continue
		}
		if e.deliver(schemas.PhaseNote{Phase: phase, Message: message}, block) {
			delete(e.pendingNotes, phase)
		} else if block {
			// Delivery failed because the channel is closed; drop.
			delete(e.pendingNotes, phase)
		} else {
			kept = append(kept, phase)
		}
	}
	e.noteOrder = kept
}
