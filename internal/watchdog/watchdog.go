// Package watchdog force-restarts the process when a critical loop
// stops making progress.
package watchdog

import (
	"context"
	"os"
	"sync"
	"time"
)

// Timing constants.
const (
	// BootTimeout is the generous liveness window while the terminal
	// starts up: network, broker, and database may all be slow on boot.
	BootTimeout = 60 * time.Second

	// NormalTimeout is the steady-state liveness window. Callers switch
	// to it via SetTimeout once startup completes.
	NormalTimeout = 10 * time.Second

	// checkInterval throttles liveness checks to once per second no
	// matter how often the run loop wakes up.
	checkInterval = time.Second

	// reportInterval is how often per-loop ping frequencies are logged.
	reportInterval = 5 * time.Second
)

// Logger is the subset of logging used by the watchdog.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

// loopState tracks one monitored loop.
type loopState struct {
	lastPing time.Time
	pings    int
}

// Watchdog monitors named loops for liveness.
//
// Each critical goroutine registers a name and pings on every iteration.
// A loop that stays silent past the timeout triggers the reset hook;
// there is no graceful per-loop restart, a starved loop means the whole
// process restarts.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	loops   map[string]*loopState
	fired   bool

	reportEvery time.Duration
	reset       func(loop string)
	logger      Logger
	now         func() time.Time
}

// Option configures the watchdog.
type Option func(*Watchdog)

// WithResetHook replaces the default process-exit reset.
func WithResetHook(reset func(loop string)) Option {
	return func(w *Watchdog) { w.reset = reset }
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(w *Watchdog) { w.logger = logger }
}

// WithBootTimeout overrides the startup liveness window. Non-positive
// values keep the default.
func WithBootTimeout(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithReportInterval overrides how often ping frequencies are logged.
// Non-positive values keep the default.
func WithReportInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.reportEvery = d
		}
	}
}

// New creates a watchdog with the boot timeout in effect.
//
// The default reset hook exits the process; the supervisor (systemd)
// is the actual recovery mechanism.
func New(opts ...Option) *Watchdog {
	w := &Watchdog{
		timeout:     BootTimeout,
		loops:       make(map[string]*loopState),
		reportEvery: reportInterval,
		reset:       func(string) { os.Exit(1) },
		logger:      noopLogger{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register starts monitoring a named loop. The registration itself
// counts as the first ping.
func (w *Watchdog) Register(loop string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loops[loop] = &loopState{lastPing: w.now()}
}

// Ping records one iteration of the named loop. Unregistered names are
// ignored.
func (w *Watchdog) Ping(loop string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if state, ok := w.loops[loop]; ok {
		state.lastPing = w.now()
		state.pings++
	}
}

// SetTimeout changes the liveness window. Called with NormalTimeout once
// startup completes.
func (w *Watchdog) SetTimeout(timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeout = timeout
}

// Run monitors registered loops until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	lastReport := w.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
			if w.now().Sub(lastReport) >= w.reportEvery {
				w.report()
				lastReport = w.now()
			}
		}
	}
}

// check fires the reset hook for the first starved loop found.
func (w *Watchdog) check() {
	w.mu.Lock()
	var starved string
	if !w.fired {
		now := w.now()
		for name, state := range w.loops {
			if now.Sub(state.lastPing) > w.timeout {
				starved = name
				w.fired = true
				break
			}
		}
	}
	w.mu.Unlock()

	if starved != "" {
		w.logger.Error("loop starved, forcing reset",
			"loop", starved,
			"timeout", w.timeout.String(),
		)
		w.reset(starved)
	}
}

// report logs per-loop ping frequencies and resets the counters.
func (w *Watchdog) report() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for name, state := range w.loops {
		hz := float64(state.pings) / w.reportEvery.Seconds()
		w.logger.Debug("loop ping frequency", "loop", name, "hz", hz)
		state.pings = 0
	}
}
