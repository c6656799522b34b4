package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/offene-werkstatt/maco-core/internal/cloud"
	"github.com/offene-werkstatt/maco-core/internal/fault"
	"github.com/offene-werkstatt/maco-core/internal/session"
)

// CheckoutReason explains why a usage interval ended. Stored verbatim in
// the usage record and the upload.
type CheckoutReason string

// Checkout reasons.
const (
	// ReasonSelfCheckout: the session's own tag was presented again.
	ReasonSelfCheckout CheckoutReason = "self_checkout"

	// ReasonOtherTag: a different tag checked in at this machine.
	ReasonOtherTag CheckoutReason = "other_tag"

	// ReasonOtherMachine: the user checked in at another machine.
	ReasonOtherMachine CheckoutReason = "other_machine"

	// ReasonUIRequest: checkout requested through the terminal UI.
	ReasonUIRequest CheckoutReason = "ui_request"

	// ReasonSessionTimeout: the session expired while active.
	ReasonSessionTimeout CheckoutReason = "session_timeout"

	// ReasonForceClosed: the authority force-closed the session.
	ReasonForceClosed CheckoutReason = "force_closed"

	// ReasonRelayFault: the relay read-back disagreed with the commanded
	// state and the machine was shut down fail-safe.
	ReasonRelayFault CheckoutReason = "relay_fault"

	// ReasonPowerLoss: an open record found at startup, closed during
	// history restore.
	ReasonPowerLoss CheckoutReason = "power_loss"
)

// uploadPollInterval and uploadTimeout bound the async usage upload.
const (
	uploadPollInterval = 100 * time.Millisecond
	uploadTimeout      = 30 * time.Second
)

// Logger is the subset of logging used by the machine FSM.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics is the telemetry surface the FSM writes to. Satisfied by
// *telemetry.Client; a nil client drops every point.
type Metrics interface {
	WriteUsage(machineID, userID string, duration time.Duration, endReason string)
	WriteRelayFault(machineID string, expected, actual bool)
}

// UsageUploader submits closed usage records to the authority.
// Satisfied by *cloud.Client.
type UsageUploader interface {
	UploadUsage(ctx context.Context, req cloud.UploadUsageRequest) *cloud.Response[cloud.UploadUsageResponse]
}

// machineState is the closed set of FSM states.
type machineState interface {
	machineState()
}

// stateIdle: no session, relay off.
type stateIdle struct{}

// stateActive: a session is checked in, relay on, usage record open.
type stateActive struct {
	session   session.TokenSession
	startedAt time.Time
	recordID  int64
}

// stateDenied: a check-in was refused; the message dwells briefly for
// the UI, then the machine drops back to idle.
type stateDenied struct {
	message string
	since   time.Time
}

func (stateIdle) machineState()   {}
func (stateActive) machineState() {}
func (stateDenied) machineState() {}

// StateName values reported by Status.
const (
	StateIdle   = "idle"
	StateActive = "active"
	StateDenied = "denied"
)

// Status is a point-in-time snapshot for the terminal UI.
type Status struct {
	State     string
	SessionID string
	UserLabel string
	Message   string
	Since     time.Time
}

// Machine is the usage FSM gating one machine tool.
//
// It owns the relay and the usage history. The application goroutine
// calls CheckIn/CheckOut/Tick; the MQTT push callback calls ForceClose.
// All entry points serialize on one mutex.
type Machine struct {
	machineID           string
	requiredPermissions []string

	relay    Relay
	store    Store
	uploader UsageUploader
	metrics  Metrics

	deniedDwell time.Duration
	maxUsage    time.Duration
	logger      Logger
	now         func() time.Time

	mu    sync.Mutex
	state machineState
}

// Option configures optional machine dependencies.
type Option func(*Machine)

// WithUploader wires the async usage uploader.
func WithUploader(u UsageUploader) Option {
	return func(m *Machine) { m.uploader = u }
}

// WithMetrics wires usage and fault telemetry.
func WithMetrics(metrics Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithMaxUsage bounds a single usage interval. Zero disables the bound;
// the session's own expiration always applies.
func WithMaxUsage(d time.Duration) Option {
	return func(m *Machine) { m.maxUsage = d }
}

// New creates a machine FSM in the idle state.
//
// Parameters:
//   - machineID: Identifier reported in usage records and uploads
//   - requiredPermissions: Permissions a session must carry to check in
//   - relay: Power gate for the tool
//   - store: Usage record persistence
//   - deniedDwell: How long a denial stays visible before idle
func New(machineID string, requiredPermissions []string, relay Relay, store Store, deniedDwell time.Duration, opts ...Option) *Machine {
	m := &Machine{
		machineID:           machineID,
		requiredPermissions: requiredPermissions,
		relay:               relay,
		store:               store,
		deniedDwell:         deniedDwell,
		logger:              noopLogger{},
		now:                 time.Now,
		state:               stateIdle{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns a snapshot of the current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch s := m.state.(type) {
	case stateActive:
		return Status{
			State:     StateActive,
			SessionID: s.session.SessionID,
			UserLabel: s.session.UserLabel,
			Since:     s.startedAt,
		}
	case stateDenied:
		return Status{State: StateDenied, Message: s.message, Since: s.since}
	default:
		return Status{State: StateIdle}
	}
}

// ActiveSessionID returns the checked-in session id, if any.
func (m *Machine) ActiveSessionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.state.(stateActive); ok {
		return s.session.SessionID, true
	}
	return "", false
}

// CheckIn admits a session to the machine.
//
// Only valid from idle: any other state returns fault.ErrWrongState with
// no side effects. A session missing a required permission or already
// expired lands in the denied state without touching the usage history.
//
// Parameters:
//   - ctx: Context for the history write
//   - sess: The session to admit
//
// Returns:
//   - error: fault.ErrWrongState outside idle, or a history write error
func (m *Machine) CheckIn(ctx context.Context, sess session.TokenSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.(stateIdle); !ok {
		return fmt.Errorf("check-in: %w", fault.ErrWrongState)
	}

	if !sess.IsActive() {
		m.state = stateDenied{message: "session expired", since: m.now()}
		return nil
	}
	if !sess.HasAllPermissions(m.requiredPermissions) {
		m.logger.Info("check-in denied",
			"machine_id", m.machineID,
			"user_id", sess.UserID,
		)
		m.state = stateDenied{message: "missing permission for this machine", since: m.now()}
		return nil
	}

	start := m.now()
	recordID, err := m.store.OpenRecord(ctx, sess.SessionID, start)
	if err != nil {
		return fmt.Errorf("check-in: %w", err)
	}

	m.state = stateActive{session: sess, startedAt: start, recordID: recordID}
	m.logger.Info("checked in",
		"machine_id", m.machineID,
		"user", sess.UserLabel,
		"session_id", sess.SessionID,
	)
	m.driveRelayLocked(ctx)
	return nil
}

// CheckOut ends the active usage interval.
//
// Only valid while active: any other state returns fault.ErrWrongState.
// The newest history record must belong to the active session and still
// be open; anything else is fault.ErrUnexpectedState and the state is
// left untouched for inspection.
//
// The record close is a single SQLite transaction. The upload to the
// authority runs asynchronously afterwards and its failure never undoes
// the local close.
func (m *Machine) CheckOut(ctx context.Context, reason CheckoutReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.(stateActive); !ok {
		return fmt.Errorf("check-out: %w", fault.ErrWrongState)
	}
	if err := m.checkoutLocked(ctx, reason); err != nil {
		return err
	}
	m.driveRelayLocked(ctx)
	return nil
}

// checkoutLocked closes the active record and returns to idle.
// Caller holds the mutex and has verified the active state.
func (m *Machine) checkoutLocked(ctx context.Context, reason CheckoutReason) error {
	act := m.state.(stateActive)

	rec, found, err := m.store.Newest(ctx)
	if err != nil {
		return fmt.Errorf("check-out: %w", err)
	}
	if !found || rec.ID != act.recordID || rec.SessionID != act.session.SessionID || !rec.Open() {
		return fmt.Errorf("check-out: history does not match active session: %w", fault.ErrUnexpectedState)
	}

	end := m.now()
	if err := m.store.CloseRecord(ctx, rec.ID, end, reason); err != nil {
		return fmt.Errorf("check-out: %w", err)
	}

	m.state = stateIdle{}
	m.logger.Info("checked out",
		"machine_id", m.machineID,
		"user", act.session.UserLabel,
		"reason", string(reason),
	)
	if m.metrics != nil {
		m.metrics.WriteUsage(m.machineID, act.session.UserID, end.Sub(act.startedAt), string(reason))
	}
	m.scheduleUpload()
	return nil
}

// forceCheckoutLocked ends the interval unconditionally. When the
// history is inconsistent the error is logged and the machine still
// drops to idle: internal shutdown paths must never stay energized.
func (m *Machine) forceCheckoutLocked(ctx context.Context, reason CheckoutReason) {
	if _, ok := m.state.(stateActive); !ok {
		return
	}
	if err := m.checkoutLocked(ctx, reason); err != nil {
		m.logger.Error("forced checkout failed, dropping to idle",
			"machine_id", m.machineID,
			"reason", string(reason),
			"error", err,
		)
		m.state = stateIdle{}
	}
}

// ForceClose checks out the active session if it matches the given id.
// Wired to the authority's force-close push.
func (m *Machine) ForceClose(ctx context.Context, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	act, ok := m.state.(stateActive)
	if !ok || act.session.SessionID != sessionID {
		return
	}
	m.logger.Warn("session force-closed by authority", "session_id", sessionID)
	m.forceCheckoutLocked(ctx, ReasonForceClosed)
	m.driveRelayLocked(ctx)
}

// Tick advances time-driven behavior: denied dwell expiry, session
// expiry, and the relay drive with read-back verification. Called once
// per reader tick.
func (m *Machine) Tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch s := m.state.(type) {
	case stateDenied:
		if m.now().Sub(s.since) >= m.deniedDwell {
			m.state = stateIdle{}
		}
	case stateActive:
		switch {
		case !s.session.IsActive():
			m.logger.Info("session expired while active", "session_id", s.session.SessionID)
			m.forceCheckoutLocked(ctx, ReasonSessionTimeout)
		case m.maxUsage > 0 && m.now().Sub(s.startedAt) >= m.maxUsage:
			m.logger.Info("usage limit reached", "session_id", s.session.SessionID)
			m.forceCheckoutLocked(ctx, ReasonSessionTimeout)
		}
	}

	m.driveRelayLocked(ctx)
}

// driveRelayLocked drives the relay to match the active state and
// verifies the read-back, retrying once. A persistent mismatch is a
// hardware fault: it is logged, reported to telemetry, and an energized
// machine is force-checked-out.
func (m *Machine) driveRelayLocked(ctx context.Context) {
	_, active := m.state.(stateActive)

	if m.setAndVerify(active) || m.setAndVerify(active) {
		return
	}

	m.logger.Error("relay read-back mismatch",
		"machine_id", m.machineID,
		"commanded", active,
	)
	if m.metrics != nil {
		m.metrics.WriteRelayFault(m.machineID, active, !active)
	}
	if active {
		m.forceCheckoutLocked(ctx, ReasonRelayFault)
		// Best effort: keep commanding off even though the read-back is
		// not trustworthy anymore.
		_ = m.relay.Set(false)
	}
}

// setAndVerify drives the relay and confirms via read-back.
func (m *Machine) setAndVerify(on bool) bool {
	if err := m.relay.Set(on); err != nil {
		return false
	}
	got, err := m.relay.Get()
	return err == nil && got == on
}

// Restore reconciles persisted state at startup.
//
// An open usage record means power was lost mid-session: it is closed
// with the power-loss reason, and a record written by a different
// machine id is reported as a configuration error. A relay already
// energized at boot is forced off.
func (m *Machine) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if on, err := m.relay.Get(); err == nil && on {
		m.logger.Warn("relay energized at startup, forcing off", "machine_id", m.machineID)
		if err := m.relay.Set(false); err != nil {
			return fmt.Errorf("restore: forcing relay off: %w", err)
		}
	}

	rec, found, err := m.store.Newest(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if found && rec.MachineID != m.machineID {
		m.logger.Error("usage history belongs to a different machine",
			"machine_id", m.machineID,
			"record_machine_id", rec.MachineID,
		)
	}
	if found && rec.Open() {
		m.logger.Warn("open usage record at startup, closing as power loss",
			"record_id", rec.ID,
			"session_id", rec.SessionID,
		)
		if err := m.store.CloseRecord(ctx, rec.ID, m.now(), ReasonPowerLoss); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}

	m.scheduleUpload()
	return nil
}

// scheduleUpload kicks off an async upload of pending records.
func (m *Machine) scheduleUpload() {
	if m.uploader == nil {
		return
	}
	go m.uploadPending()
}

// uploadPending pushes closed, unacknowledged records to the authority
// and marks them uploaded on success. Runs off the FSM goroutine; any
// failure leaves the records pending for the next attempt.
func (m *Machine) uploadPending() {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	records, err := m.store.PendingUpload(ctx)
	if err != nil {
		m.logger.Warn("usage upload: listing pending records failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	req := cloud.UploadUsageRequest{MachineID: m.machineID}
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
		req.Records = append(req.Records, cloud.UsageUploadRecord{
			SessionToken: rec.SessionID,
			StartedAt:    rec.StartedAt.UTC().Format(time.RFC3339),
			EndedAt:      rec.EndedAt.UTC().Format(time.RFC3339),
			EndReason:    rec.EndReason,
		})
	}

	handle := m.uploader.UploadUsage(ctx, req)
	for {
		resp, done, err := handle.Poll()
		if err != nil {
			m.logger.Warn("usage upload failed, keeping records pending",
				"records", len(records),
				"error", err,
			)
			return
		}
		if done {
			if err := m.store.MarkUploaded(ctx, ids); err != nil {
				m.logger.Warn("usage upload: marking records failed", "error", err)
				return
			}
			m.logger.Info("usage uploaded",
				"records", len(records),
				"accepted", resp.Accepted,
			)
			return
		}

		select {
		case <-ctx.Done():
			m.logger.Warn("usage upload timed out, keeping records pending", "records", len(records))
			return
		case <-time.After(uploadPollInterval):
		}
	}
}
