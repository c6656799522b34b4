package main

import (
	"context"
	"sync"
	"time"

	"github.com/offene-werkstatt/maco-core/internal/cloud"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/config"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/logging"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/mqtt"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/telemetry"
	"github.com/offene-werkstatt/maco-core/internal/machine"
	"github.com/offene-werkstatt/maco-core/internal/nfc"
	"github.com/offene-werkstatt/maco-core/internal/session"
	"github.com/offene-werkstatt/maco-core/internal/watchdog"
)

// terminalApp is the application goroutine: it consumes reader events
// and MQTT pushes, and drives the session protocol and the machine FSM.
type terminalApp struct {
	cfg      *config.Config
	log      *logging.Logger
	reader   *nfc.Reader
	registry *session.Registry
	machine  *machine.Machine
	client   *cloud.Client
	metrics  *telemetry.Client
	wd       *watchdog.Watchdog

	mu sync.Mutex
	// recentTokens caches recent-auth JWTs per tag so a re-presented tag
	// skips the three-pass exchange.
	recentTokens map[nfc.TagUID]string
}

func newTerminalApp(cfg *config.Config, log *logging.Logger, reader *nfc.Reader,
	registry *session.Registry, mach *machine.Machine, client *cloud.Client,
	metrics *telemetry.Client, wd *watchdog.Watchdog) *terminalApp {
	return &terminalApp{
		cfg:          cfg,
		log:          log,
		reader:       reader,
		registry:     registry,
		machine:      mach,
		client:       client,
		metrics:      metrics,
		wd:           wd,
		recentTokens: make(map[nfc.TagUID]string),
	}
}

// subscribePush wires the authority's push topics into the registry.
func (a *terminalApp) subscribePush(push *mqtt.Client, qos byte) error {
	if err := push.SubscribeNewSessions(qos, a.onNewSession); err != nil {
		return err
	}
	return push.SubscribeSessionClosed(qos, func(p mqtt.ClosedPush) {
		a.log.Info("session force-closed", "session_id", p.SessionID, "reason", p.Reason)
		a.registry.Invalidate(p.SessionID)
	})
}

// onNewSession registers a pushed session. Sessions this terminal
// started are already registered from the authorized response, so the
// registration is an idempotent no-op for them; the push matters for
// sessions issued at other terminals.
func (a *terminalApp) onNewSession(p mqtt.SessionPush) {
	uid, err := nfc.ParseUID(p.TokenID)
	if err != nil {
		a.log.Warn("push with bad token id", "token_id", p.TokenID, "error", err)
		return
	}

	a.registry.Register(session.TokenSession{
		TokenID:     uid,
		SessionID:   p.SessionID,
		UserID:      p.UserID,
		UserLabel:   p.UserLabel,
		Expiration:  p.Expiration,
		Permissions: p.Permissions,
	})
}

// run is the application loop. Blocks until the context is cancelled.
func (a *terminalApp) run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.GetReaderTickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.reader.Events():
			a.handleEvent(ctx, ev)
		case <-ticker.C:
			a.machine.Tick(ctx)
			a.wd.Ping("app")
		}
	}
}

// handleEvent reacts to one reader state change.
func (a *terminalApp) handleEvent(ctx context.Context, ev nfc.Event) {
	switch ev.Kind {
	case nfc.EventTagAuthenticated:
		a.onTagAuthenticated(ctx, ev.UID)
	case nfc.EventTagUnauthenticated:
		a.log.Warn("unauthenticated tag presented", "claimed_uid", ev.UID.String())
	case nfc.EventTagRemoved:
		a.log.Debug("tag removed", "uid", ev.UID.String())
	}
}

// onTagAuthenticated decides between self checkout and session start.
func (a *terminalApp) onTagAuthenticated(ctx context.Context, uid nfc.TagUID) {
	// Re-presenting the tag that owns the active session checks out.
	if activeID, ok := a.machine.ActiveSessionID(); ok {
		if active, found := a.registry.ByID(activeID); found && active.TokenID == uid {
			if err := a.machine.CheckOut(ctx, machine.ReasonSelfCheckout); err != nil {
				a.log.Error("self checkout failed", "error", err)
			}
			return
		}
	}

	a.mu.Lock()
	recentToken := a.recentTokens[uid]
	a.mu.Unlock()

	report := func(outcome session.Outcome) { a.onOutcome(ctx, uid, outcome) }
	var action *session.StartAction
	if recentToken != "" {
		action = session.StartWithRecentAuth(ctx, a.registry, a.client, a.cfg.Terminal.MachineID, recentToken, report)
	} else {
		action = session.StartWithNfcAuth(ctx, a.registry, a.client, a.cfg.Terminal.MachineID, report)
	}

	if err := a.reader.Enqueue(action); err != nil {
		a.log.Warn("enqueueing start action failed", "error", err)
	}
}

// onOutcome handles the terminal result of a start-session protocol run.
// Called from the reader goroutine.
func (a *terminalApp) onOutcome(ctx context.Context, uid nfc.TagUID, outcome session.Outcome) {
	switch o := outcome.(type) {
	case session.Succeeded:
		a.log.Info("session authorized",
			"session_id", o.SessionID,
			"user", o.Name,
		)
		a.metrics.WriteAuthEvent(a.cfg.Terminal.MachineID, "authorized")
		if o.RecentAuthToken != "" {
			a.mu.Lock()
			a.recentTokens[uid] = o.RecentAuthToken
			a.mu.Unlock()
		}
		// The protocol registers the session before reporting success, so
		// the lookup only misses if the registry was mutated in between.
		sess, ok := a.registry.ByID(o.SessionID)
		if !ok {
			a.log.Error("authorized session missing from registry", "session_id", o.SessionID)
			return
		}
		a.checkIn(ctx, *sess)

	case session.Rejected:
		a.log.Info("session rejected", "message", o.Message)
		a.metrics.WriteAuthEvent(a.cfg.Terminal.MachineID, "rejected")
		// A stale recent-auth token may be the cause; next presentation
		// runs the full exchange.
		a.mu.Lock()
		delete(a.recentTokens, uid)
		a.mu.Unlock()

	case session.Failed:
		a.log.Warn("session start failed",
			"error", o.Err,
			"tag_status", o.TagStatus.String(),
			"message", o.Message,
		)
		a.metrics.WriteAuthEvent(a.cfg.Terminal.MachineID, "failed")
	}
}

// checkIn admits a session, displacing a different active session.
func (a *terminalApp) checkIn(ctx context.Context, sess session.TokenSession) {
	if activeID, ok := a.machine.ActiveSessionID(); ok {
		if activeID == sess.SessionID {
			return
		}
		if err := a.machine.CheckOut(ctx, machine.ReasonOtherTag); err != nil {
			a.log.Error("displacing checkout failed", "error", err)
			return
		}
	}
	if err := a.machine.CheckIn(ctx, sess); err != nil {
		a.log.Error("check-in failed", "session_id", sess.SessionID, "error", err)
	}
}
