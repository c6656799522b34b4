package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeMessage implements pahomqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// recordingLogger captures log calls for assertions.
type recordingLogger struct {
	errors   []string
	warnings []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.errors = append(l.errors, msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.warnings = append(l.warnings, msg) }

func disconnectedClient() *Client {
	return &Client{subscriptions: make(map[string]subscription)}
}

func TestPublish_Validation(t *testing.T) {
	c := disconnectedClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 0, ErrInvalidTopic},
		{"invalid qos", "maco/sessions/new", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "maco/sessions/new", make([]byte, maxPayloadSize+1), 0, ErrPublishFailed},
		{"not connected", "maco/sessions/new", []byte("x"), 0, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := disconnectedClient()
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 0, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("maco/sessions/new", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3: error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("maco/sessions/new", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler: error = %v, want ErrSubscribeFailed", err)
	}
	if err := c.Subscribe("maco/sessions/new", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected: error = %v, want ErrNotConnected", err)
	}
}

func TestWrapHandler_RecoversPanic(t *testing.T) {
	c := disconnectedClient()
	logger := &recordingLogger{}
	c.SetLogger(logger)

	wrapped := c.wrapHandler(func(string, []byte) error {
		panic("handler exploded")
	})

	wrapped(nil, &fakeMessage{topic: TopicSessionNew, payload: []byte("{}")})

	if len(logger.errors) != 1 {
		t.Fatalf("panic should be logged once, got %d error logs", len(logger.errors))
	}
}

func TestWrapHandler_LogsHandlerError(t *testing.T) {
	c := disconnectedClient()
	logger := &recordingLogger{}
	c.SetLogger(logger)

	wrapped := c.wrapHandler(func(string, []byte) error {
		return errors.New("decode failed")
	})
	wrapped(nil, &fakeMessage{topic: TopicSessionClosed, payload: []byte("not json")})

	if len(logger.warnings) != 1 {
		t.Fatalf("handler error should be logged once, got %d warnings", len(logger.warnings))
	}
}

func TestSessionPush_RoundTrip(t *testing.T) {
	push := SessionPush{
		SessionID:   "sess-1",
		TokenID:     "04c339aa1e1890",
		UserID:      "user-1",
		UserLabel:   "Ada",
		Expiration:  time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
		Permissions: []string{"machine:lasersaur"},
	}

	b, err := json.Marshal(push)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got SessionPush
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.SessionID != push.SessionID || got.TokenID != push.TokenID {
		t.Errorf("round trip = %+v, want %+v", got, push)
	}
	if !got.Expiration.Equal(push.Expiration) {
		t.Errorf("Expiration = %v, want %v", got.Expiration, push.Expiration)
	}
}

func TestStatusTopic(t *testing.T) {
	if got := StatusTopic("terminal-lasersaur"); got != "maco/status/terminal-lasersaur" {
		t.Errorf("StatusTopic() = %q", got)
	}

	var doc map[string]string
	if err := json.Unmarshal(statusPayload("terminal-lasersaur", "online"), &doc); err != nil {
		t.Fatalf("status payload is not valid JSON: %v", err)
	}
	if doc["status"] != "online" || doc["client_id"] != "terminal-lasersaur" {
		t.Errorf("status payload = %v", doc)
	}
}

var _ pahomqtt.Message = (*fakeMessage)(nil)
