package nfc

import (
	"errors"
	"testing"

	"github.com/offene-werkstatt/maco-core/internal/fault"
)

// mockTransport is a scriptable transport for driving the reader FSM.
type mockTransport struct {
	tagInField   bool
	uid          TagUID
	authOK       bool
	presenceErr  error
	releaseCalls int
	resetCalls   int
}

func (m *mockTransport) WaitForTag() (bool, error)       { return m.tagInField, nil }
func (m *mockTransport) ReleaseTag() error               { m.releaseCalls++; return nil }
func (m *mockTransport) ResetController() error          { m.resetCalls++; return nil }
func (m *mockTransport) SelectApplication() error        { return nil }
func (m *mockTransport) ReadCardUID() (TagUID, error)    { return m.uid, nil }
func (m *mockTransport) CheckTagStillPresent() (bool, error) {
	if m.presenceErr != nil {
		return false, m.presenceErr
	}
	return m.tagInField, nil
}

func (m *mockTransport) AuthenticateTerminal([]byte) error {
	if !m.authOK {
		return errors.New("auth failed")
	}
	return nil
}

func (m *mockTransport) BeginCloudAuthentication(uint8) ([]byte, Status, error) {
	return make([]byte, 16), StatusOK, nil
}

func (m *mockTransport) CompleteCloudAuthentication([]byte) ([]byte, Status, error) {
	return make([]byte, 32), StatusOK, nil
}

// recordingAction counts steps and aborts.
type recordingAction struct {
	steps    int
	result   StepResult
	stepErr  error
	abortErr error
}

func (a *recordingAction) Step(*Tag) (StepResult, error) {
	a.steps++
	return a.result, a.stepErr
}

func (a *recordingAction) OnAbort(err error) { a.abortErr = err }

func newTestReader(m *mockTransport) *Reader {
	return NewReader(m, make([]byte, 16), 0)
}

func drainEvents(r *Reader) []Event {
	var events []Event
	for {
		select {
		case ev := <-r.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestReader_AuthenticatesTag(t *testing.T) {
	uid, _ := ParseUID("04c339aa1e1890")
	m := &mockTransport{tagInField: true, uid: uid, authOK: true}
	r := newTestReader(m)

	r.step()

	if _, ok := r.state.(stateAuthenticated); !ok {
		t.Fatalf("state = %T, want stateAuthenticated", r.state)
	}
	events := drainEvents(r)
	if len(events) != 1 || events[0].Kind != EventTagAuthenticated || events[0].UID != uid {
		t.Errorf("events = %+v, want one EventTagAuthenticated for %s", events, uid)
	}
}

func TestReader_UnauthenticatedTag(t *testing.T) {
	uid, _ := ParseUID("04c339aa1e1890")
	m := &mockTransport{tagInField: true, uid: uid, authOK: false}
	r := newTestReader(m)

	r.step()

	if _, ok := r.state.(stateUnauthenticated); !ok {
		t.Fatalf("state = %T, want stateUnauthenticated", r.state)
	}
	events := drainEvents(r)
	if len(events) != 1 || events[0].Kind != EventTagUnauthenticated {
		t.Errorf("events = %+v, want one EventTagUnauthenticated", events)
	}

	// No actions may be queued against an unauthenticated tag.
	if err := r.Enqueue(&recordingAction{}); !errors.Is(err, fault.ErrNoNfcTag) {
		t.Errorf("Enqueue() error = %v, want ErrNoNfcTag", err)
	}

	// Removal returns to WaitForTag.
	m.tagInField = false
	r.step()
	if _, ok := r.state.(stateWaitForTag); !ok {
		t.Errorf("state after removal = %T, want stateWaitForTag", r.state)
	}
}

func TestReader_EnqueueRequiresAuthenticated(t *testing.T) {
	m := &mockTransport{}
	r := newTestReader(m)

	if err := r.Enqueue(&recordingAction{}); !errors.Is(err, fault.ErrNoNfcTag) {
		t.Errorf("Enqueue() error = %v, want ErrNoNfcTag", err)
	}
}

func TestReader_ActionsRunInOrder(t *testing.T) {
	m := &mockTransport{tagInField: true, authOK: true}
	r := newTestReader(m)
	r.step() // Authenticate

	first := &recordingAction{result: Continue}
	second := &recordingAction{result: Done}
	if err := r.Enqueue(first); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := r.Enqueue(second); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Continue keeps the head position: second never steps.
	r.step()
	r.step()
	if first.steps != 2 {
		t.Errorf("first.steps = %d, want 2", first.steps)
	}
	if second.steps != 0 {
		t.Errorf("second.steps = %d, want 0 while head continues", second.steps)
	}

	// Head completes, next action runs.
	first.result = Done
	r.step()
	r.step()
	if second.steps != 1 {
		t.Errorf("second.steps = %d, want 1", second.steps)
	}
}

func TestReader_RemovalAbortsQueue(t *testing.T) {
	m := &mockTransport{tagInField: true, authOK: true}
	r := newTestReader(m)
	r.step()

	action := &recordingAction{result: Continue}
	if err := r.Enqueue(action); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	m.tagInField = false
	r.step()

	if !errors.Is(action.abortErr, fault.ErrNoNfcTag) {
		t.Errorf("abort error = %v, want ErrNoNfcTag", action.abortErr)
	}
	if _, ok := r.state.(stateWaitForTag); !ok {
		t.Errorf("state = %T, want stateWaitForTag", r.state)
	}

	events := drainEvents(r)
	var removed bool
	for _, ev := range events {
		if ev.Kind == EventTagRemoved {
			removed = true
		}
	}
	if !removed {
		t.Error("expected EventTagRemoved after tag removal")
	}
}

func TestReader_ActionFaultEntersTagError(t *testing.T) {
	m := &mockTransport{tagInField: true, authOK: true}
	r := newTestReader(m)
	r.step()

	failing := &recordingAction{stepErr: errors.New("transceive failed")}
	queued := &recordingAction{result: Continue}
	if err := r.Enqueue(failing); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := r.Enqueue(queued); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	r.step()

	if _, ok := r.state.(stateTagError); !ok {
		t.Fatalf("state = %T, want stateTagError", r.state)
	}
	if !errors.Is(queued.abortErr, fault.ErrNoNfcTag) {
		t.Errorf("queued action abort error = %v, want ErrNoNfcTag", queued.abortErr)
	}
}

// TestReader_TagErrorRecovery walks the full recovery ladder: three
// release/reselect attempts, then parked until removal, then a controller
// reset.
func TestReader_TagErrorRecovery(t *testing.T) {
	m := &mockTransport{tagInField: true, authOK: true}
	r := newTestReader(m)

	failOnce := func() {
		r.step() // WaitForTag -> Authenticated
		if _, ok := r.state.(stateAuthenticated); !ok {
			t.Fatalf("state = %T, want stateAuthenticated", r.state)
		}
		action := &recordingAction{stepErr: errors.New("transceive failed")}
		if err := r.Enqueue(action); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		r.step() // Authenticated -> TagError
	}

	for attempt := 1; attempt <= maxErrorRetries; attempt++ {
		failOnce()
		r.step() // TagError: release and return to WaitForTag
		if _, ok := r.state.(stateWaitForTag); !ok {
			t.Fatalf("attempt %d: state = %T, want stateWaitForTag", attempt, r.state)
		}
	}
	if m.releaseCalls != maxErrorRetries {
		t.Errorf("release calls = %d, want %d", m.releaseCalls, maxErrorRetries)
	}

	// Fourth fault: retries exhausted, reader parks.
	failOnce()
	r.step() // TagError -> parked
	s, ok := r.state.(stateTagError)
	if !ok || !s.parked {
		t.Fatalf("state = %#v, want parked stateTagError", r.state)
	}

	// While the tag stays in the field nothing happens.
	r.step()
	if m.resetCalls != 0 {
		t.Errorf("reset calls = %d while tag present, want 0", m.resetCalls)
	}
	if m.releaseCalls != maxErrorRetries {
		t.Errorf("release calls = %d while parked, want %d", m.releaseCalls, maxErrorRetries)
	}

	// Removal triggers the controller reset and a clean restart.
	m.tagInField = false
	r.step()
	if m.resetCalls != 1 {
		t.Errorf("reset calls = %d, want 1", m.resetCalls)
	}
	if _, ok := r.state.(stateWaitForTag); !ok {
		t.Errorf("state = %T, want stateWaitForTag", r.state)
	}
	if r.errorCount != 0 {
		t.Errorf("errorCount = %d after reset, want 0", r.errorCount)
	}
}

// TestReader_SimulatedTransport authenticates against the software tag
// using the diversified terminal key.
func TestReader_SimulatedTransport(t *testing.T) {
	uid, _ := ParseUID("04c339aa1e1890")
	masterKey := []byte{
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
	}

	sim, err := NewSimulatedTransport(uid, masterKey, "OwwMachineAuth")
	if err != nil {
		t.Fatalf("NewSimulatedTransport() error = %v", err)
	}

	// Pinned diversified terminal key for this UID and master secret.
	terminalKey := []byte{
		0x1f, 0x17, 0x1c, 0x1a, 0xfa, 0xc2, 0x13, 0x5b,
		0x8b, 0x8f, 0xa3, 0x2f, 0x10, 0xbe, 0x86, 0x4e,
	}

	r := NewReader(sim, terminalKey, 0)
	sim.PresentTag()
	r.step()

	s, ok := r.state.(stateAuthenticated)
	if !ok {
		t.Fatalf("state = %T, want stateAuthenticated", r.state)
	}
	if s.tag.UID() != uid {
		t.Errorf("authenticated UID = %s, want %s", s.tag.UID(), uid)
	}
}
