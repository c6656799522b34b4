package authority

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/offene-werkstatt/maco-core/internal/cloud"
	"github.com/offene-werkstatt/maco-core/internal/ev2"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/mqtt"
	"github.com/offene-werkstatt/maco-core/internal/keydiv"
	"github.com/offene-werkstatt/maco-core/internal/nfc"
)

// AdminPermission guards key diversification and force-close.
const AdminPermission = "admin"

// Rejection messages returned to terminals. Deliberately vague: the
// terminal display is public.
const (
	msgUnknownTag    = "tag not registered"
	msgInactiveToken = "token disabled"
	msgAuthFailed    = "authentication failed"
	msgBadToken      = "authentication expired, present tag again"
)

// Logger is the subset of logging used by the service.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher is the push surface the service announces sessions on.
// Satisfied by *mqtt.Client; nil disables push.
type Publisher interface {
	PublishNewSession(push mqtt.SessionPush, qos byte) error
	PublishSessionClosed(push mqtt.ClosedPush, qos byte) error
}

// Config carries the authority's domain parameters.
type Config struct {
	// MasterSecret is the 16-byte key-diversification master secret.
	MasterSecret []byte

	// SystemName is the diversification system identifier.
	SystemName string

	// JWTSecret signs recent-auth tokens.
	JWTSecret []byte

	// SessionTTL is the lifetime of issued sessions.
	SessionTTL time.Duration

	// RecentAuthTTL is the lifetime of recent-auth tokens.
	RecentAuthTTL time.Duration

	// AuthRecordTTL bounds an in-progress three-pass exchange.
	AuthRecordTTL time.Duration

	// PushQoS is the MQTT QoS for session pushes.
	PushQoS byte
}

// Service implements the authority's domain operations: the terminal
// API handlers delegate here.
type Service struct {
	cfg       Config
	store     *Store
	records   *recordRegistry
	publisher Publisher
	logger    Logger
	now       func() time.Time
}

// NewService creates the authority service.
func NewService(cfg Config, store *Store, publisher Publisher) (*Service, error) {
	if len(cfg.MasterSecret) != keydiv.MasterKeySize {
		return nil, fmt.Errorf("master secret must be %d bytes, got %d", keydiv.MasterKeySize, len(cfg.MasterSecret))
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.AuthRecordTTL <= 0 {
		cfg.AuthRecordTTL = time.Minute
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		records:   newRecordRegistry(cfg.AuthRecordTTL),
		publisher: publisher,
		logger:    noopLogger{},
		now:       time.Now,
	}, nil
}

// SetLogger sets the service logger.
func (s *Service) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// StartSession handles a terminal's start-session request.
//
// RecentAuthentication short-cuts to an authorized session when the JWT
// verifies and matches the presented tag. FirstAuthentication starts a
// three-pass exchange: the response carries the cloud challenge and the
// pending record's id as the provisional session id.
func (s *Service) StartSession(ctx context.Context, req cloud.StartSessionRequest) (cloud.StartSessionResponse, error) {
	if _, err := nfc.ParseUID(req.TokenID); err != nil {
		return cloud.StartSessionResponse{}, fmt.Errorf("start session: %w", err)
	}
	if req.MachineID == "" {
		return cloud.StartSessionResponse{}, errors.New("start session: machine_id is required")
	}

	tok, found, err := s.store.TokenByUID(ctx, req.TokenID)
	if err != nil {
		return cloud.StartSessionResponse{}, err
	}
	if !found {
		s.audit(ctx, "start_session_unknown_tag", req.TokenID)
		return rejected(msgUnknownTag), nil
	}
	if !tok.Active {
		s.audit(ctx, "start_session_inactive_token", req.TokenID)
		return rejected(msgInactiveToken), nil
	}

	switch {
	case req.RecentAuth != nil:
		return s.startWithRecentAuth(ctx, req, tok)
	case req.FirstAuth != nil:
		return s.startWithFirstAuth(ctx, req, tok)
	default:
		return cloud.StartSessionResponse{}, errors.New("start session: no authentication payload")
	}
}

// startWithRecentAuth verifies the JWT and issues a session directly.
func (s *Service) startWithRecentAuth(ctx context.Context, req cloud.StartSessionRequest, tok Token) (cloud.StartSessionResponse, error) {
	userID, tagUID, err := verifyRecentAuthToken(s.cfg.JWTSecret, req.RecentAuth.Token)
	if err != nil || userID != tok.UserID || tagUID != req.TokenID {
		s.audit(ctx, "recent_auth_rejected", req.TokenID)
		return rejected(msgBadToken), nil
	}

	sess, err := s.issueSession(ctx, tok, req.MachineID)
	if err != nil {
		return cloud.StartSessionResponse{}, err
	}
	return cloud.StartSessionResponse{
		SessionID: sess.ID,
		Result:    authorizedResult(sess, tok, ""),
	}, nil
}

// startWithFirstAuth runs the authority's side of phase 1.
func (s *Service) startWithFirstAuth(ctx context.Context, req cloud.StartSessionRequest, tok Token) (cloud.StartSessionResponse, error) {
	uid, err := hex.DecodeString(req.TokenID)
	if err != nil {
		return cloud.StartSessionResponse{}, fmt.Errorf("decoding token id: %w", err)
	}

	authKey, err := keydiv.Diversify(s.cfg.MasterSecret, s.cfg.SystemName, uid, keydiv.RoleAuthorization)
	if err != nil {
		return cloud.StartSessionResponse{}, fmt.Errorf("diversifying authorization key: %w", err)
	}

	hs, err := ev2.NewHandshake(authKey)
	if err != nil {
		return cloud.StartSessionResponse{}, fmt.Errorf("starting handshake: %w", err)
	}
	challenge, err := hs.Challenge(req.FirstAuth.NtagChallenge)
	if err != nil {
		s.audit(ctx, "first_auth_bad_challenge", req.TokenID)
		return rejected(msgAuthFailed), nil
	}

	recordID := s.records.create(req.TokenID, req.MachineID, hs)
	return cloud.StartSessionResponse{
		SessionID: recordID,
		Result: cloud.Result{
			State:          cloud.StateAuthenticationPart2,
			CloudChallenge: challenge,
		},
	}, nil
}

// AuthenticatePart2 verifies the tag's final response and issues the
// session plus a recent-auth token.
func (s *Service) AuthenticatePart2(ctx context.Context, req cloud.AuthenticatePart2Request) (cloud.StartSessionResponse, error) {
	rec, ok := s.records.consume(req.SessionID)
	if !ok {
		s.audit(ctx, "part2_unknown_record", req.SessionID)
		return rejected(msgAuthFailed), nil
	}

	if _, err := rec.handshake.Complete(req.EncryptedNtagResponse); err != nil {
		s.audit(ctx, "part2_verification_failed", rec.tagUID)
		s.logger.Warn("tag response verification failed", "tag_uid", rec.tagUID)
		return rejected(msgAuthFailed), nil
	}

	tok, found, err := s.store.TokenByUID(ctx, rec.tagUID)
	if err != nil {
		return cloud.StartSessionResponse{}, err
	}
	if !found || !tok.Active {
		return rejected(msgInactiveToken), nil
	}

	if err := s.store.RecordAuthentication(ctx, rec.tagUID, tok.UserID, s.now()); err != nil {
		s.logger.Error("recording authentication failed", "error", err)
	}

	sess, err := s.issueSession(ctx, tok, rec.machineID)
	if err != nil {
		return cloud.StartSessionResponse{}, err
	}

	recentToken, err := issueRecentAuthToken(s.cfg.JWTSecret, tok.UserID, tok.TagUID, s.cfg.RecentAuthTTL)
	if err != nil {
		return cloud.StartSessionResponse{}, err
	}

	return cloud.StartSessionResponse{
		SessionID: sess.ID,
		Result:    authorizedResult(sess, tok, recentToken),
	}, nil
}

// authorizedResult builds the authorized member of the result union.
// It carries the full session, not just the display name: a terminal
// whose push channel is down registers the session from this response.
func authorizedResult(sess Session, tok Token, recentToken string) cloud.Result {
	return cloud.Result{
		State:           cloud.StateAuthorized,
		Name:            tok.UserLabel,
		UserID:          tok.UserID,
		Expiration:      sess.ExpiresAt,
		Permissions:     sess.Permissions,
		RecentAuthToken: recentToken,
	}
}

// issueSession persists a new session and announces it on the push
// channel.
func (s *Service) issueSession(ctx context.Context, tok Token, machineID string) (Session, error) {
	now := s.now()
	sess := Session{
		ID:          uuid.NewString(),
		TagUID:      tok.TagUID,
		UserID:      tok.UserID,
		MachineID:   machineID,
		Permissions: tok.Permissions,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.SessionTTL),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return Session{}, err
	}

	s.logger.Info("session issued",
		"session_id", sess.ID,
		"user", tok.UserLabel,
		"machine_id", machineID,
	)
	s.audit(ctx, "session_issued", sess.ID)

	if s.publisher != nil {
		push := mqtt.SessionPush{
			SessionID:   sess.ID,
			TokenID:     sess.TagUID,
			UserID:      sess.UserID,
			UserLabel:   tok.UserLabel,
			Expiration:  sess.ExpiresAt,
			Permissions: sess.Permissions,
		}
		if err := s.publisher.PublishNewSession(push, s.cfg.PushQoS); err != nil {
			s.logger.Warn("session push failed", "session_id", sess.ID, "error", err)
		}
	}
	return sess, nil
}

// ForceClose closes a session and notifies every terminal.
func (s *Service) ForceClose(ctx context.Context, sessionID, reason string) error {
	closed, err := s.store.CloseSession(ctx, sessionID, s.now())
	if err != nil {
		return err
	}
	if !closed {
		return fmt.Errorf("session %s not found or already closed", sessionID)
	}

	s.audit(ctx, "session_force_closed", sessionID)
	if s.publisher != nil {
		push := mqtt.ClosedPush{SessionID: sessionID, Reason: reason}
		if err := s.publisher.PublishSessionClosed(push, s.cfg.PushQoS); err != nil {
			s.logger.Warn("close push failed", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// UploadUsage stores a terminal's usage batch.
func (s *Service) UploadUsage(ctx context.Context, req cloud.UploadUsageRequest) (cloud.UploadUsageResponse, error) {
	if req.MachineID == "" {
		return cloud.UploadUsageResponse{}, errors.New("upload usage: machine_id is required")
	}
	accepted, err := s.store.SaveUsage(ctx, req.MachineID, req.Records)
	if err != nil {
		return cloud.UploadUsageResponse{}, err
	}
	return cloud.UploadUsageResponse{Accepted: accepted}, nil
}

// DiversifyKeys returns a tag's per-tag key set for personalization.
//
// Guarded by a recent-auth token whose user holds the admin permission:
// key material leaves the authority only for operators who very recently
// proved a physical tag.
func (s *Service) DiversifyKeys(ctx context.Context, req cloud.KeyDiversificationRequest) (cloud.KeyDiversificationResponse, error) {
	userID, adminTagUID, err := verifyRecentAuthToken(s.cfg.JWTSecret, req.AdminToken)
	if err != nil {
		s.audit(ctx, "diversify_keys_bad_token", req.TokenID)
		return cloud.KeyDiversificationResponse{}, ErrInvalidToken
	}
	adminTok, found, err := s.store.TokenByUID(ctx, adminTagUID)
	if err != nil {
		return cloud.KeyDiversificationResponse{}, err
	}
	if !found || adminTok.UserID != userID || !hasPermission(adminTok.Permissions, AdminPermission) {
		s.audit(ctx, "diversify_keys_forbidden", userID)
		return cloud.KeyDiversificationResponse{}, ErrInvalidToken
	}

	uid, err := hex.DecodeString(req.TokenID)
	if err != nil {
		return cloud.KeyDiversificationResponse{}, fmt.Errorf("decoding token id: %w", err)
	}
	keys, err := keydiv.DiversifyAll(s.cfg.MasterSecret, s.cfg.SystemName, uid)
	if err != nil {
		return cloud.KeyDiversificationResponse{}, err
	}

	s.audit(ctx, "diversify_keys", req.TokenID)
	return cloud.KeyDiversificationResponse{
		ApplicationKey:   hex.EncodeToString(keys[keydiv.RoleApplication]),
		AuthorizationKey: hex.EncodeToString(keys[keydiv.RoleAuthorization]),
		Reserved1Key:     hex.EncodeToString(keys[keydiv.RoleReserved1]),
		Reserved2Key:     hex.EncodeToString(keys[keydiv.RoleReserved2]),
	}, nil
}

// audit records a security event, logging on failure.
func (s *Service) audit(ctx context.Context, event, detail string) {
	if err := s.store.Audit(ctx, event, detail); err != nil {
		s.logger.Error("audit write failed", "event", event, "error", err)
	}
}

func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}

func rejected(message string) cloud.StartSessionResponse {
	return cloud.StartSessionResponse{
		Result: cloud.Result{State: cloud.StateRejected, Message: message},
	}
}
