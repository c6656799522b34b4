package nfc

import (
	"context"
	"sync"
	"time"

	"github.com/offene-werkstatt/maco-core/internal/fault"
)

// Recovery limits.
const (
	// maxErrorRetries is how many release/reselect attempts are made
	// before the reader parks until the tag is removed.
	maxErrorRetries = 3

	// maxResetRetries bounds controller reset attempts after a parked
	// error tag is removed.
	maxResetRetries = 3

	// eventBuffer sizes the event channel. The application goroutine
	// drains it every loop pass; a small buffer absorbs bursts.
	eventBuffer = 8
)

// Logger is the minimal logging interface the reader needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Reader state variants. Closed sum: the tick switch is exhaustive.
type readerState interface{ isReaderState() }

type stateWaitForTag struct{}
type stateUnauthenticated struct{ claimedUID TagUID }
type stateAuthenticated struct{ tag *Tag }
type stateTagError struct{ parked bool }

func (stateWaitForTag) isReaderState()      {}
func (stateUnauthenticated) isReaderState() {}
func (stateAuthenticated) isReaderState()   {}
func (stateTagError) isReaderState()        {}

// Reader detects tags, runs terminal authentication, and dispatches queued
// actions against the authenticated tag.
//
// Run executes on a dedicated goroutine that owns the transport
// exclusively. The queue and state are guarded by a mutex because Enqueue
// is called from the application goroutine.
type Reader struct {
	transport   TagTransport
	terminalKey []byte
	tick        time.Duration
	logger      Logger

	mu         sync.Mutex
	state      readerState
	queue      []Action
	errorCount int

	events chan Event
}

// NewReader creates a reader over the given transport.
//
// Parameters:
//   - transport: Radio driver, exclusively owned by the reader goroutine
//   - terminalKey: 16-byte terminal authentication key
//   - tick: Poll interval for the reader loop
func NewReader(transport TagTransport, terminalKey []byte, tick time.Duration) *Reader {
	return &Reader{
		transport:   transport,
		terminalKey: append([]byte(nil), terminalKey...),
		tick:        tick,
		logger:      noopLogger{},
		state:       stateWaitForTag{},
		events:      make(chan Event, eventBuffer),
	}
}

// SetLogger sets the logger for reader operations.
func (r *Reader) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Events returns the channel of reader events. The application goroutine
// must drain it; events are dropped if the buffer is full.
func (r *Reader) Events() <-chan Event {
	return r.events
}

// Enqueue adds an action to the tag's action queue.
//
// Actions run strictly in submission order, one step per tick. Queueing
// is rejected with fault.ErrNoNfcTag unless a tag is currently
// authenticated.
func (r *Reader) Enqueue(action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.state.(stateAuthenticated); !ok {
		return fault.ErrNoNfcTag
	}
	r.queue = append(r.queue, action)
	return nil
}

// Run executes the reader loop until ctx is cancelled. It must be the
// only goroutine touching the transport.
//
// The onTick callback, if non-nil, is invoked once per tick after the
// state step; the watchdog ping is wired through it.
func (r *Reader) Run(ctx context.Context, onTick func()) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.abortQueue(ctx.Err())
			return
		case <-ticker.C:
			r.step()
			if onTick != nil {
				onTick()
			}
		}
	}
}

// step advances the state machine by one tick.
func (r *Reader) step() {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch s := r.state.(type) {
	case stateWaitForTag:
		r.stepWaitForTag()
	case stateUnauthenticated:
		r.stepUnauthenticated(s)
	case stateAuthenticated:
		r.stepAuthenticated(s)
	case stateTagError:
		r.stepTagError(s)
	}
}

// stepWaitForTag polls for a new tag and attempts terminal authentication.
func (r *Reader) stepWaitForTag() {
	found, err := r.transport.WaitForTag()
	if err != nil {
		r.logger.Warn("tag detection failed", "error", err)
		return
	}
	if !found {
		return
	}

	if err := r.transport.SelectApplication(); err != nil {
		r.logger.Warn("application select failed", "error", err)
		return
	}

	uid, err := r.transport.ReadCardUID()
	if err != nil {
		r.logger.Warn("uid read failed", "error", err)
		return
	}

	if err := r.transport.AuthenticateTerminal(r.terminalKey); err != nil {
		// The radio-layer UID is untrusted until an authorization flow
		// verifies it independently.
		r.logger.Info("tag failed terminal authentication", "claimed_uid", uid.String())
		r.state = stateUnauthenticated{claimedUID: uid}
		r.emit(Event{Kind: EventTagUnauthenticated, UID: uid})
		return
	}

	r.logger.Info("tag authenticated", "uid", uid.String())
	r.state = stateAuthenticated{tag: &Tag{uid: uid, transport: r.transport}}
	r.emit(Event{Kind: EventTagAuthenticated, UID: uid})
}

// stepUnauthenticated re-checks presence until the tag is removed.
// No actions are ever dispatched here.
func (r *Reader) stepUnauthenticated(s stateUnauthenticated) {
	present, err := r.transport.CheckTagStillPresent()
	if err != nil || !present {
		r.errorCount = 0
		r.state = stateWaitForTag{}
		r.emit(Event{Kind: EventTagRemoved, UID: s.claimedUID})
	}
}

// stepAuthenticated verifies presence and runs at most one action step.
func (r *Reader) stepAuthenticated(s stateAuthenticated) {
	present, err := r.transport.CheckTagStillPresent()
	if err != nil {
		r.logger.Warn("presence check failed", "uid", s.tag.uid.String(), "error", err)
		r.abortQueueLocked(fault.ErrNoNfcTag)
		r.state = stateTagError{}
		return
	}
	if !present {
		r.abortQueueLocked(fault.ErrNoNfcTag)
		r.errorCount = 0
		r.state = stateWaitForTag{}
		r.emit(Event{Kind: EventTagRemoved, UID: s.tag.uid})
		return
	}

	if len(r.queue) == 0 {
		return
	}

	action := r.queue[0]
	result, err := action.Step(s.tag)
	if err != nil {
		r.logger.Warn("action failed on hardware fault", "uid", s.tag.uid.String(), "error", err)
		r.abortQueueLocked(fault.ErrNoNfcTag)
		r.state = stateTagError{}
		return
	}
	if result == Done {
		r.queue = r.queue[1:]
	}
}

// stepTagError recovers from a hardware fault: up to maxErrorRetries
// release/reselect attempts, then parked until the tag is removed, then a
// controller reset.
func (r *Reader) stepTagError(s stateTagError) {
	if !s.parked && r.errorCount < maxErrorRetries {
		r.errorCount++
		r.logger.Warn("releasing tag after fault", "attempt", r.errorCount)
		if err := r.transport.ReleaseTag(); err != nil {
			r.logger.Warn("tag release failed", "error", err)
		}
		r.state = stateWaitForTag{}
		return
	}

	if !s.parked {
		r.logger.Error("tag fault retries exhausted, waiting for removal")
		r.state = stateTagError{parked: true}
		return
	}

	present, err := r.transport.CheckTagStillPresent()
	if err == nil && present {
		return // Still parked
	}

	for attempt := 1; attempt <= maxResetRetries; attempt++ {
		if err := r.transport.ResetController(); err != nil {
			r.logger.Error("controller reset failed", "attempt", attempt, "error", err)
			continue
		}
		break
	}
	r.errorCount = 0
	r.state = stateWaitForTag{}
	r.emit(Event{Kind: EventTagRemoved})
}

// abortQueue cancels all queued actions with the given cause.
func (r *Reader) abortQueue(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortQueueLocked(cause)
}

// abortQueueLocked requires r.mu held.
func (r *Reader) abortQueueLocked(cause error) {
	for _, action := range r.queue {
		action.OnAbort(cause)
	}
	r.queue = nil
}

// emit sends an event without blocking the reader loop.
func (r *Reader) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("event channel full, dropping event", "kind", ev.Kind)
	}
}
