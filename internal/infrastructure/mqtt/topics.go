package mqtt

import (
	"encoding/json"
	"fmt"
	"time"
)

// MACO topic layout. The authority is the only publisher on the session
// topics; terminals subscribe.
const (
	// TopicSessionNew announces a freshly issued session.
	TopicSessionNew = "maco/sessions/new"

	// TopicSessionClosed announces a session force-closed by the
	// authority. Terminals must check the user out immediately.
	TopicSessionClosed = "maco/sessions/closed"

	// topicStatusPrefix is the per-client status topic root.
	topicStatusPrefix = "maco/status/"
)

// StatusTopic returns the retained online/offline topic for a client id.
func StatusTopic(clientID string) string {
	return topicStatusPrefix + clientID
}

// statusPayload builds the retained status document.
func statusPayload(clientID, status string) []byte {
	doc := map[string]string{
		"client_id": clientID,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	b, _ := json.Marshal(doc)
	return b
}

// SessionPush is the payload on TopicSessionNew.
//
// TokenID is the 7-byte tag UID as lowercase hex. Terminals cache the
// session so a subsequent presentation of the same tag short-circuits
// the start-session protocol.
type SessionPush struct {
	SessionID   string    `json:"session_id"`
	TokenID     string    `json:"token_id"`
	UserID      string    `json:"user_id"`
	UserLabel   string    `json:"user_label"`
	Expiration  time.Time `json:"expiration"`
	Permissions []string  `json:"permissions"`
}

// ClosedPush is the payload on TopicSessionClosed.
type ClosedPush struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// PublishNewSession announces a session on TopicSessionNew.
func (c *Client) PublishNewSession(push SessionPush, qos byte) error {
	payload, err := json.Marshal(push)
	if err != nil {
		return fmt.Errorf("encoding session push: %w", err)
	}
	return c.Publish(TopicSessionNew, payload, qos, false)
}

// PublishSessionClosed announces a force-close on TopicSessionClosed.
func (c *Client) PublishSessionClosed(push ClosedPush, qos byte) error {
	payload, err := json.Marshal(push)
	if err != nil {
		return fmt.Errorf("encoding closed push: %w", err)
	}
	return c.Publish(TopicSessionClosed, payload, qos, false)
}

// SubscribeNewSessions registers a typed handler for session pushes.
func (c *Client) SubscribeNewSessions(qos byte, handler func(SessionPush)) error {
	return c.Subscribe(TopicSessionNew, qos, func(_ string, payload []byte) error {
		var push SessionPush
		if err := json.Unmarshal(payload, &push); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedPush, err)
		}
		if push.SessionID == "" || push.TokenID == "" {
			return fmt.Errorf("%w: missing session_id or token_id", ErrMalformedPush)
		}
		handler(push)
		return nil
	})
}

// SubscribeSessionClosed registers a typed handler for force-closes.
func (c *Client) SubscribeSessionClosed(qos byte, handler func(ClosedPush)) error {
	return c.Subscribe(TopicSessionClosed, qos, func(_ string, payload []byte) error {
		var push ClosedPush
		if err := json.Unmarshal(payload, &push); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedPush, err)
		}
		if push.SessionID == "" {
			return fmt.Errorf("%w: missing session_id", ErrMalformedPush)
		}
		handler(push)
		return nil
	})
}
