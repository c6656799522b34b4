package machine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/offene-werkstatt/maco-core/internal/cloud"
	"github.com/offene-werkstatt/maco-core/internal/fault"
	"github.com/offene-werkstatt/maco-core/internal/nfc"
	"github.com/offene-werkstatt/maco-core/internal/session"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu      sync.Mutex
	records []Record
	nextID  int64
}

func (s *fakeStore) OpenRecord(_ context.Context, sessionID string, start time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.records = append(s.records, Record{
		ID:        s.nextID,
		SessionID: sessionID,
		MachineID: "lasersaur",
		StartedAt: start,
	})
	return s.nextID, nil
}

func (s *fakeStore) Newest(context.Context) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return Record{}, false, nil
	}
	return s.records[len(s.records)-1], true, nil
}

func (s *fakeStore) CloseRecord(_ context.Context, id int64, end time.Time, reason CheckoutReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == id && s.records[i].Open() {
			s.records[i].EndedAt = end
			s.records[i].EndReason = string(reason)
			return nil
		}
	}
	return fault.ErrUnexpectedState
}

func (s *fakeStore) PendingUpload(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []Record
	for _, r := range s.records {
		if !r.Open() && !r.Uploaded {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

func (s *fakeStore) MarkUploaded(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		for i := range s.records {
			if s.records[i].ID == id {
				s.records[i].Uploaded = true
			}
		}
	}
	return nil
}

// faultyRelay never reaches the commanded on state.
type faultyRelay struct {
	mu        sync.Mutex
	commanded bool
}

func (r *faultyRelay) Set(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commanded = on
	return nil
}

func (r *faultyRelay) Get() (bool, error) { return false, nil }

// fakeMetrics records telemetry calls.
type fakeMetrics struct {
	mu          sync.Mutex
	usageCount  int
	relayFaults int
}

func (m *fakeMetrics) WriteUsage(string, string, time.Duration, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageCount++
}

func (m *fakeMetrics) WriteRelayFault(string, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayFaults++
}

func testTokenSession(t *testing.T, sessionID string, perms []string) session.TokenSession {
	t.Helper()
	uid, err := nfc.ParseUID("04c339aa1e1890")
	if err != nil {
		t.Fatalf("ParseUID() error = %v", err)
	}
	return session.TokenSession{
		TokenID:     uid,
		SessionID:   sessionID,
		UserID:      "user-1",
		UserLabel:   "Ada",
		Expiration:  time.Now().Add(time.Hour),
		Permissions: perms,
	}
}

func newTestMachine(relay Relay, store Store, opts ...Option) *Machine {
	return New("lasersaur", []string{"machine:lasersaur"}, relay, store, 5*time.Second, opts...)
}

func TestCheckIn_FromIdle(t *testing.T) {
	relay := &SimulatedRelay{}
	store := &fakeStore{}
	m := newTestMachine(relay, store)

	sess := testTokenSession(t, "sess-1", []string{"machine:lasersaur"})
	if err := m.CheckIn(context.Background(), sess); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}

	status := m.Status()
	if status.State != StateActive || status.UserLabel != "Ada" {
		t.Errorf("Status() = %+v, want active/Ada", status)
	}
	if on, _ := relay.Get(); !on {
		t.Error("relay should be on while active")
	}
	rec, found, _ := store.Newest(context.Background())
	if !found || !rec.Open() || rec.SessionID != "sess-1" {
		t.Errorf("usage record = %+v, want open sess-1", rec)
	}
}

func TestCheckIn_WrongState(t *testing.T) {
	m := newTestMachine(&SimulatedRelay{}, &fakeStore{})
	sess := testTokenSession(t, "sess-1", []string{"machine:lasersaur"})

	if err := m.CheckIn(context.Background(), sess); err != nil {
		t.Fatalf("first CheckIn() error = %v", err)
	}
	err := m.CheckIn(context.Background(), testTokenSession(t, "sess-2", []string{"machine:lasersaur"}))
	if !errors.Is(err, fault.ErrWrongState) {
		t.Errorf("CheckIn() while active = %v, want ErrWrongState", err)
	}
}

func TestCheckIn_MissingPermission(t *testing.T) {
	relay := &SimulatedRelay{}
	store := &fakeStore{}
	m := newTestMachine(relay, store)

	sess := testTokenSession(t, "sess-1", []string{"machine:bandsaw"})
	if err := m.CheckIn(context.Background(), sess); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}

	status := m.Status()
	if status.State != StateDenied || status.Message == "" {
		t.Errorf("Status() = %+v, want denied with message", status)
	}
	if _, found, _ := store.Newest(context.Background()); found {
		t.Error("denial must not write a usage record")
	}
	if on, _ := relay.Get(); on {
		t.Error("relay must stay off on denial")
	}
}

func TestCheckIn_ExpiredSession(t *testing.T) {
	m := newTestMachine(&SimulatedRelay{}, &fakeStore{})
	sess := testTokenSession(t, "sess-1", []string{"machine:lasersaur"})
	sess.Expiration = time.Now().Add(-time.Minute)

	if err := m.CheckIn(context.Background(), sess); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if got := m.Status().State; got != StateDenied {
		t.Errorf("state = %q, want denied", got)
	}
}

func TestDenied_DwellExpires(t *testing.T) {
	m := New("lasersaur", []string{"machine:lasersaur"}, &SimulatedRelay{}, &fakeStore{}, 50*time.Millisecond)
	if err := m.CheckIn(context.Background(), testTokenSession(t, "sess-1", nil)); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if got := m.Status().State; got != StateDenied {
		t.Fatalf("state = %q, want denied", got)
	}

	m.Tick(context.Background())
	if got := m.Status().State; got != StateDenied {
		t.Error("denied state should dwell until the timeout")
	}

	time.Sleep(60 * time.Millisecond)
	m.Tick(context.Background())
	if got := m.Status().State; got != StateIdle {
		t.Errorf("state after dwell = %q, want idle", got)
	}
}

func TestCheckOut_ClosesRecord(t *testing.T) {
	relay := &SimulatedRelay{}
	store := &fakeStore{}
	metrics := &fakeMetrics{}
	m := newTestMachine(relay, store, WithMetrics(metrics))

	if err := m.CheckIn(context.Background(), testTokenSession(t, "sess-1", []string{"machine:lasersaur"})); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if err := m.CheckOut(context.Background(), ReasonSelfCheckout); err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}

	if got := m.Status().State; got != StateIdle {
		t.Errorf("state = %q, want idle", got)
	}
	if on, _ := relay.Get(); on {
		t.Error("relay should be off after checkout")
	}
	rec, _, _ := store.Newest(context.Background())
	if rec.Open() || rec.EndReason != string(ReasonSelfCheckout) {
		t.Errorf("record = %+v, want closed self_checkout", rec)
	}
	if metrics.usageCount != 1 {
		t.Errorf("usage points = %d, want 1", metrics.usageCount)
	}
}

func TestCheckOut_WrongState(t *testing.T) {
	m := newTestMachine(&SimulatedRelay{}, &fakeStore{})
	err := m.CheckOut(context.Background(), ReasonUIRequest)
	if !errors.Is(err, fault.ErrWrongState) {
		t.Errorf("CheckOut() while idle = %v, want ErrWrongState", err)
	}
}

func TestCheckOut_HistoryMismatch(t *testing.T) {
	store := &fakeStore{}
	m := newTestMachine(&SimulatedRelay{}, store)

	if err := m.CheckIn(context.Background(), testTokenSession(t, "sess-1", []string{"machine:lasersaur"})); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}

	// Close the record behind the FSM's back.
	rec, _, _ := store.Newest(context.Background())
	if err := store.CloseRecord(context.Background(), rec.ID, time.Now(), ReasonUIRequest); err != nil {
		t.Fatalf("CloseRecord() error = %v", err)
	}

	err := m.CheckOut(context.Background(), ReasonUIRequest)
	if !errors.Is(err, fault.ErrUnexpectedState) {
		t.Errorf("CheckOut() error = %v, want ErrUnexpectedState", err)
	}
	if got := m.Status().State; got != StateActive {
		t.Errorf("state = %q, want active for inspection", got)
	}
}

func TestTick_SessionExpiry(t *testing.T) {
	store := &fakeStore{}
	m := newTestMachine(&SimulatedRelay{}, store)

	sess := testTokenSession(t, "sess-1", []string{"machine:lasersaur"})
	sess.Expiration = time.Now().Add(30 * time.Millisecond)
	if err := m.CheckIn(context.Background(), sess); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	m.Tick(context.Background())

	if got := m.Status().State; got != StateIdle {
		t.Errorf("state = %q, want idle after session expiry", got)
	}
	rec, _, _ := store.Newest(context.Background())
	if rec.EndReason != string(ReasonSessionTimeout) {
		t.Errorf("end reason = %q, want session_timeout", rec.EndReason)
	}
}

func TestTick_UsageLimit(t *testing.T) {
	store := &fakeStore{}
	m := newTestMachine(&SimulatedRelay{}, store, WithMaxUsage(30*time.Millisecond))

	if err := m.CheckIn(context.Background(), testTokenSession(t, "sess-1", []string{"machine:lasersaur"})); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}

	m.Tick(context.Background())
	if got := m.Status().State; got != StateActive {
		t.Fatalf("state = %q, want active before the limit", got)
	}

	time.Sleep(40 * time.Millisecond)
	m.Tick(context.Background())

	if got := m.Status().State; got != StateIdle {
		t.Errorf("state = %q, want idle after the usage limit", got)
	}
	rec, _, _ := store.Newest(context.Background())
	if rec.EndReason != string(ReasonSessionTimeout) {
		t.Errorf("end reason = %q, want session_timeout", rec.EndReason)
	}
}

func TestRelayFault_ForcedCheckout(t *testing.T) {
	relay := &faultyRelay{}
	store := &fakeStore{}
	metrics := &fakeMetrics{}
	m := newTestMachine(relay, store, WithMetrics(metrics))

	// Check-in drives the relay, the read-back never confirms, and the
	// FSM must shut down fail-safe.
	if err := m.CheckIn(context.Background(), testTokenSession(t, "sess-1", []string{"machine:lasersaur"})); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}

	if got := m.Status().State; got != StateIdle {
		t.Errorf("state = %q, want idle after relay fault", got)
	}
	rec, _, _ := store.Newest(context.Background())
	if rec.EndReason != string(ReasonRelayFault) {
		t.Errorf("end reason = %q, want relay_fault", rec.EndReason)
	}
	if metrics.relayFaults == 0 {
		t.Error("relay fault should be reported to telemetry")
	}
}

func TestForceClose(t *testing.T) {
	store := &fakeStore{}
	m := newTestMachine(&SimulatedRelay{}, store)

	if err := m.CheckIn(context.Background(), testTokenSession(t, "sess-1", []string{"machine:lasersaur"})); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}

	m.ForceClose(context.Background(), "sess-other")
	if got := m.Status().State; got != StateActive {
		t.Error("force-close with a different session id must not check out")
	}

	m.ForceClose(context.Background(), "sess-1")
	if got := m.Status().State; got != StateIdle {
		t.Errorf("state = %q, want idle after force-close", got)
	}
	rec, _, _ := store.Newest(context.Background())
	if rec.EndReason != string(ReasonForceClosed) {
		t.Errorf("end reason = %q, want force_closed", rec.EndReason)
	}
}

func TestRestore(t *testing.T) {
	relay := &SimulatedRelay{}
	relay.Set(true)
	store := &fakeStore{}
	if _, err := store.OpenRecord(context.Background(), "sess-stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("OpenRecord() error = %v", err)
	}

	m := newTestMachine(relay, store)
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if on, _ := relay.Get(); on {
		t.Error("relay must be forced off at startup")
	}
	rec, _, _ := store.Newest(context.Background())
	if rec.Open() || rec.EndReason != string(ReasonPowerLoss) {
		t.Errorf("stale record = %+v, want closed power_loss", rec)
	}
}

func TestUpload_MarksRecords(t *testing.T) {
	got := make(chan cloud.UploadUsageRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cloud.UploadUsageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding upload: %v", err)
		}
		got <- req
		json.NewEncoder(w).Encode(cloud.UploadUsageResponse{Accepted: len(req.Records)})
	}))
	defer server.Close()

	store := &fakeStore{}
	client := cloud.NewClient(server.URL, 2*time.Second)
	m := newTestMachine(&SimulatedRelay{}, store, WithUploader(client))

	if err := m.CheckIn(context.Background(), testTokenSession(t, "sess-1", []string{"machine:lasersaur"})); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if err := m.CheckOut(context.Background(), ReasonSelfCheckout); err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}

	select {
	case req := <-got:
		if req.MachineID != "lasersaur" || len(req.Records) != 1 {
			t.Errorf("upload request = %+v", req)
		}
		if req.Records[0].EndReason != string(ReasonSelfCheckout) {
			t.Errorf("uploaded reason = %q", req.Records[0].EndReason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upload never reached the authority")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := store.PendingUpload(context.Background())
		if err != nil {
			t.Fatalf("PendingUpload() error = %v", err)
		}
		if len(pending) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("records never marked uploaded, %d pending", len(pending))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpload_FailureKeepsRecords(t *testing.T) {
	store := &fakeStore{}
	client := cloud.NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	m := newTestMachine(&SimulatedRelay{}, store, WithUploader(client))

	if err := m.CheckIn(context.Background(), testTokenSession(t, "sess-1", []string{"machine:lasersaur"})); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if err := m.CheckOut(context.Background(), ReasonSelfCheckout); err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}

	// The local close must stand regardless of upload failure.
	rec, _, _ := store.Newest(context.Background())
	if rec.Open() {
		t.Error("record must stay closed locally")
	}

	time.Sleep(500 * time.Millisecond)
	pending, _ := store.PendingUpload(context.Background())
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1 (kept for retry)", len(pending))
	}
}
