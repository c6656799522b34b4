package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/offene-werkstatt/maco-core/internal/cloud"
	"github.com/offene-werkstatt/maco-core/internal/ev2"
	"github.com/offene-werkstatt/maco-core/internal/fault"
	"github.com/offene-werkstatt/maco-core/internal/keydiv"
	"github.com/offene-werkstatt/maco-core/internal/nfc"
)

var testMasterKey = []byte{
	0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
	0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
}

const testSystemName = "OwwMachineAuth"

// simTag builds a simulated, selected tag ready for cloud authentication.
func simTag(t *testing.T) (*nfc.Tag, nfc.TagUID) {
	t.Helper()
	uid, err := nfc.ParseUID("04c339aa1e1890")
	if err != nil {
		t.Fatalf("ParseUID() error = %v", err)
	}
	sim, err := nfc.NewSimulatedTransport(uid, testMasterKey, testSystemName)
	if err != nil {
		t.Fatalf("NewSimulatedTransport() error = %v", err)
	}
	sim.PresentTag()
	if err := sim.SelectApplication(); err != nil {
		t.Fatalf("SelectApplication() error = %v", err)
	}
	return nfc.NewTag(uid, sim), uid
}

// runAction steps the action until it completes or too many ticks pass.
func runAction(t *testing.T, a *StartAction, tag *nfc.Tag) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		result, err := a.Step(tag)
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if result == nfc.Done {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("action did not complete")
}

// TestStartAction_FullAuthentication runs the complete three-pass exchange
// against an in-process authority: begin on the tag, part-2 challenge from
// the authority, completion on the tag, final verification.
func TestStartAction_FullAuthentication(t *testing.T) {
	uid, _ := nfc.ParseUID("04c339aa1e1890")
	authKey, err := keydiv.Diversify(testMasterKey, testSystemName, uid[:], keydiv.RoleAuthorization)
	if err != nil {
		t.Fatalf("Diversify() error = %v", err)
	}

	handshakes := make(map[string]*ev2.Handshake)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/terminal/startSession":
			var req cloud.StartSessionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decoding start request: %v", err)
			}
			if req.FirstAuth == nil {
				t.Error("expected first authentication payload")
				return
			}
			hs, err := ev2.NewHandshake(authKey)
			if err != nil {
				t.Errorf("NewHandshake() error = %v", err)
				return
			}
			challenge, err := hs.Challenge(req.FirstAuth.NtagChallenge)
			if err != nil {
				t.Errorf("Challenge() error = %v", err)
				return
			}
			handshakes["rec-1"] = hs
			json.NewEncoder(w).Encode(cloud.StartSessionResponse{ //nolint:errcheck // Test server
				SessionID: "rec-1",
				Result: cloud.Result{
					State:          cloud.StateAuthenticationPart2,
					CloudChallenge: challenge,
				},
			})

		case "/api/v1/terminal/authenticatePart2":
			var req cloud.AuthenticatePart2Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decoding part2 request: %v", err)
			}
			hs := handshakes[req.SessionID]
			if hs == nil {
				t.Errorf("unknown session id %q", req.SessionID)
				return
			}
			if _, err := hs.Complete(req.EncryptedNtagResponse); err != nil {
				t.Errorf("Complete() error = %v", err)
				return
			}
			json.NewEncoder(w).Encode(cloud.StartSessionResponse{ //nolint:errcheck // Test server
				SessionID: "sess-1",
				Result: cloud.Result{
					State:           cloud.StateAuthorized,
					Name:            "Ada",
					UserID:          "user-1",
					Expiration:      time.Now().Add(time.Hour),
					Permissions:     []string{"machine:lasersaur"},
					RecentAuthToken: "jwt-1",
				},
			})
		}
	}))
	defer server.Close()

	tag, uid := simTag(t)
	client := cloud.NewClient(server.URL, 5*time.Second)
	registry := NewRegistry()

	var outcome Outcome
	action := StartWithNfcAuth(context.Background(), registry, client, "lasersaur", func(o Outcome) {
		outcome = o
	})
	runAction(t, action, tag)

	succeeded, ok := outcome.(Succeeded)
	if !ok {
		t.Fatalf("outcome = %#v, want Succeeded", outcome)
	}
	if succeeded.SessionID != "sess-1" || succeeded.Name != "Ada" || succeeded.RecentAuthToken != "jwt-1" {
		t.Errorf("Succeeded = %+v, want sess-1/Ada/jwt-1", succeeded)
	}

	// The session must be locally usable straight from the response; the
	// broker push is not required for check-in at this terminal.
	sess, found := registry.ByID("sess-1")
	if !found {
		t.Fatal("authorized session not registered")
	}
	if sess.TokenID != uid || !sess.IsActive() || !sess.HasPermission("machine:lasersaur") {
		t.Errorf("registered session = %+v", sess)
	}
}

func TestStartAction_RecentAuthRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cloud.StartSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.RecentAuth == nil || req.RecentAuth.Token != "stale-jwt" {
			t.Errorf("request = %+v, want recent auth with stale-jwt", req)
		}
		json.NewEncoder(w).Encode(cloud.StartSessionResponse{ //nolint:errcheck // Test server
			Result: cloud.Result{State: cloud.StateRejected, Message: "token expired"},
		})
	}))
	defer server.Close()

	tag, _ := simTag(t)
	client := cloud.NewClient(server.URL, 5*time.Second)

	var outcome Outcome
	action := StartWithRecentAuth(context.Background(), NewRegistry(), client, "lasersaur", "stale-jwt", func(o Outcome) {
		outcome = o
	})
	runAction(t, action, tag)

	rejected, ok := outcome.(Rejected)
	if !ok {
		t.Fatalf("outcome = %#v, want Rejected", outcome)
	}
	if rejected.Message != "token expired" {
		t.Errorf("message = %q, want %q", rejected.Message, "token expired")
	}
}

// TestStartAction_ShortCircuit completes without any network round trip
// when the registry already holds an active session for the tag.
func TestStartAction_ShortCircuit(t *testing.T) {
	tag, uid := simTag(t)

	registry := NewRegistry()
	registry.Register(TokenSession{
		TokenID:    uid,
		SessionID:  "sess-cached",
		UserLabel:  "Ada",
		Expiration: time.Now().Add(time.Hour),
	})

	// Unreachable authority: the action must not need it.
	client := cloud.NewClient("http://127.0.0.1:1", time.Second)

	var outcome Outcome
	action := StartWithNfcAuth(context.Background(), registry, client, "lasersaur", func(o Outcome) {
		outcome = o
	})

	result, err := action.Step(tag)
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if result != nfc.Done {
		t.Fatalf("Step() = %v, want Done on first tick", result)
	}

	succeeded, ok := outcome.(Succeeded)
	if !ok {
		t.Fatalf("outcome = %#v, want Succeeded", outcome)
	}
	if succeeded.SessionID != "sess-cached" {
		t.Errorf("SessionID = %q, want sess-cached", succeeded.SessionID)
	}
}

// TestStartAction_PendingIsStable verifies that polling a still-pending
// response performs zero state transitions and reports nothing.
func TestStartAction_PendingIsStable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		json.NewEncoder(w).Encode(cloud.StartSessionResponse{ //nolint:errcheck // Test server
			Result: cloud.Result{State: cloud.StateRejected, Message: "no"},
		})
	}))
	defer server.Close()
	defer close(release)

	tag, _ := simTag(t)
	client := cloud.NewClient(server.URL, 10*time.Second)

	var outcome Outcome
	action := StartWithNfcAuth(context.Background(), NewRegistry(), client, "lasersaur", func(o Outcome) {
		outcome = o
	})

	// First step submits the request.
	if result, err := action.Step(tag); err != nil || result != nfc.Continue {
		t.Fatalf("Step() = (%v, %v), want (Continue, nil)", result, err)
	}
	stateAfterSubmit := action.state

	for i := 0; i < 10; i++ {
		result, err := action.Step(tag)
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if result != nfc.Continue {
			t.Fatalf("Step() = %v while pending, want Continue", result)
		}
		if action.state != stateAfterSubmit {
			t.Fatal("state changed while response was pending")
		}
		if outcome != nil {
			t.Fatalf("outcome = %#v reported while pending", outcome)
		}
	}
}

func TestStartAction_MalformedResultState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(cloud.StartSessionResponse{ //nolint:errcheck // Test server
			Result: cloud.Result{State: "banana"},
		})
	}))
	defer server.Close()

	tag, _ := simTag(t)
	client := cloud.NewClient(server.URL, 5*time.Second)

	var outcome Outcome
	action := StartWithNfcAuth(context.Background(), NewRegistry(), client, "lasersaur", func(o Outcome) {
		outcome = o
	})
	runAction(t, action, tag)

	failed, ok := outcome.(Failed)
	if !ok {
		t.Fatalf("outcome = %#v, want Failed", outcome)
	}
	if !errors.Is(failed.Err, fault.ErrMalformedResponse) {
		t.Errorf("Failed.Err = %v, want ErrMalformedResponse", failed.Err)
	}
}

// delayTransport reports an authentication delay a fixed number of times
// before accepting, mimicking the tag's brute-force cooldown.
type delayTransport struct {
	nfc.TagTransport
	delays int
	begins int
}

func (d *delayTransport) BeginCloudAuthentication(uint8) ([]byte, nfc.Status, error) {
	d.begins++
	if d.begins <= d.delays {
		return nil, nfc.StatusAuthenticationDelay, nil
	}
	return make([]byte, 16), nfc.StatusOK, nil
}

func TestStartAction_RetriesOnAuthenticationDelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(cloud.StartSessionResponse{ //nolint:errcheck // Test server
			Result: cloud.Result{State: cloud.StateRejected, Message: "no"},
		})
	}))
	defer server.Close()

	uid, _ := nfc.ParseUID("04c339aa1e1890")
	transport := &delayTransport{delays: 3}
	tag := nfc.NewTag(uid, transport)
	client := cloud.NewClient(server.URL, 5*time.Second)

	var outcome Outcome
	action := StartWithNfcAuth(context.Background(), NewRegistry(), client, "lasersaur", func(o Outcome) {
		outcome = o
	})

	// The delay responses each consume a tick without failing.
	for i := 0; i < 3; i++ {
		result, err := action.Step(tag)
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if result != nfc.Continue {
			t.Fatalf("Step() = %v during delay, want Continue", result)
		}
		if outcome != nil {
			t.Fatalf("outcome = %#v during delay, want none", outcome)
		}
	}

	runAction(t, action, tag)
	if _, ok := outcome.(Rejected); !ok {
		t.Fatalf("outcome = %#v, want Rejected after delays clear", outcome)
	}
	if transport.begins != 4 {
		t.Errorf("begin attempts = %d, want 4", transport.begins)
	}
}

func TestStartAction_AbortReportsFailed(t *testing.T) {
	var outcome Outcome
	action := StartWithNfcAuth(context.Background(), NewRegistry(), nil, "lasersaur", func(o Outcome) {
		outcome = o
	})

	action.OnAbort(fault.ErrNoNfcTag)
	action.OnAbort(fault.ErrNoNfcTag)

	failed, ok := outcome.(Failed)
	if !ok {
		t.Fatalf("outcome = %#v, want Failed", outcome)
	}
	if !errors.Is(failed.Err, fault.ErrNoNfcTag) {
		t.Errorf("Failed.Err = %v, want ErrNoNfcTag", failed.Err)
	}
}
