package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/changelog"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/protocol"
	"go.uber.org/zap"
)

var (
	errMissingStore    = errors.New("coordinator: change log store is required")
	errMissingVerifier = errors.New("coordinator: credential verifier is required")
	// ErrClosed is returned for operations submitted after shutdown.
	ErrClosed = errors.New("coordinator: closed")

	noOpLogger = zap.NewNop()
)

// Identity is the validated result of a credential exchange.
type Identity struct {
	AccountID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CredentialVerifier validates bearer credentials for session authentication.
type CredentialVerifier interface {
	Verify(token string) (Identity, error)
}

// Config assembles one workspace coordinator.
type Config struct {
	WorkspaceID changelog.WorkspaceID
	Store       *changelog.Store
	Verifier    CredentialVerifier
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Coordinator owns the sync state of exactly one workspace: the ordered
// change log, the version counter, and the registry of attached sessions.
// Every operation runs to completion on a single goroutine, so version
// assignment, persistence, and broadcast form one indivisible step with
// respect to any other operation on the same workspace.
type Coordinator struct {
	workspaceID changelog.WorkspaceID
	store       *changelog.Store
	verifier    CredentialVerifier
	logger      *zap.Logger
	clock       func() time.Time

	commands chan func()
	quit     chan struct{}
	stopped  chan struct{}
	quitOnce sync.Once

	// Owned by the run loop.
	log            []changelog.ChangeRecord
	currentVersion int64
	registry       *registry
}

// Open loads the workspace's persisted log and starts the serving goroutine.
// No operation is accepted until the load has completed.
func Open(ctx context.Context, cfg Config) (*Coordinator, error) {
	if _, err := changelog.NewWorkspaceID(cfg.WorkspaceID.String()); err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	records, version, err := cfg.Store.Load(ctx, cfg.WorkspaceID)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		workspaceID:    cfg.WorkspaceID,
		store:          cfg.Store,
		verifier:       cfg.Verifier,
		logger:         logger,
		clock:          clock,
		commands:       make(chan func()),
		quit:           make(chan struct{}),
		stopped:        make(chan struct{}),
		log:            records,
		currentVersion: version,
		registry:       newRegistry(),
	}
	go c.run()

	logger.Info("workspace coordinator started",
		zap.String("workspace_id", cfg.WorkspaceID.String()),
		zap.Int64("current_version", version))
	return c, nil
}

// WorkspaceID reports the workspace this coordinator serves.
func (c *Coordinator) WorkspaceID() changelog.WorkspaceID {
	return c.workspaceID
}

// Close stops the serving goroutine and tears down every attached session.
// Idempotent.
func (c *Coordinator) Close() {
	c.quitOnce.Do(func() {
		close(c.quit)
	})
	<-c.stopped
}

func (c *Coordinator) run() {
	defer close(c.stopped)
	for {
		select {
		case command := <-c.commands:
			command()
		case <-c.quit:
			for _, session := range c.registry.sessions {
				session.Close()
			}
			return
		}
	}
}

func (c *Coordinator) submit(command func()) error {
	select {
	case c.commands <- command:
		return nil
	case <-c.quit:
		return ErrClosed
	}
}

// Attach registers a connected session with the coordinator.
func (c *Coordinator) Attach(session *Session) error {
	return c.submit(func() {
		c.registry.add(session)
	})
}

// Detach removes a disconnected session; if it was joined, remaining peers
// receive a presence broadcast.
func (c *Coordinator) Detach(sessionID string) error {
	return c.submit(func() {
		session := c.registry.remove(sessionID)
		if session == nil {
			return
		}
		wasJoined := session.joined()
		session.Close()
		if wasJoined {
			c.broadcastPresence()
		}
	})
}

// HandleMessage decodes one channel frame and dispatches it on the actor. A
// malformed frame earns the sender a PARSE_ERROR reply and nothing else; the
// channel stays open and no other session is affected.
func (c *Coordinator) HandleMessage(session *Session, frame []byte) error {
	message, err := protocol.DecodeInbound(frame)
	if err != nil {
		c.logger.Debug("undecodable frame",
			zap.String("session_id", session.ID), zap.Error(err))
		session.send(protocol.NewError(protocol.CodeParseError, err.Error()))
		return nil
	}
	return c.submit(func() {
		session.LastSeen = c.clock()
		c.dispatch(session, message)
	})
}

func (c *Coordinator) dispatch(session *Session, message protocol.Inbound) {
	switch m := message.(type) {
	case protocol.Auth:
		c.handleAuth(session, m)
	case protocol.Join:
		c.handleJoin(session)
	case protocol.Leave:
		c.handleLeave(session)
	case protocol.Push:
		c.handlePush(session, m.Changes)
	case protocol.Pull:
		c.handlePull(session, m.SinceVersion)
	case protocol.Ack:
		// Reserved for receipt tracking; LastSeen is already updated.
	}
}

func (c *Coordinator) handleAuth(session *Session, message protocol.Auth) {
	identity, err := c.verifier.Verify(message.Token)
	if err != nil {
		c.logger.Info("session authentication failed",
			zap.String("session_id", session.ID), zap.Error(err))
		session.send(protocol.NewError(protocol.CodeAuthFailed, "invalid or expired credential"))
		return
	}
	session.AccountID = identity.AccountID
	session.SiteID = deriveSiteID(identity.AccountID, session.ConnectedAt)
	session.send(protocol.NewAuthenticated(identity.AccountID))
}

func (c *Coordinator) handleJoin(session *Session) {
	if !session.authenticated() {
		session.send(protocol.NewError(protocol.CodeNotAuthenticated, "authentication required before join"))
		return
	}
	// Any authenticated account may join; workspace membership is not
	// checked against the account store. See the policy note in DESIGN.md.
	session.WorkspaceID = c.workspaceID.String()
	session.JoinedAt = c.clock()
	session.send(protocol.NewJoined(c.workspaceID.String(), c.currentVersion))
	c.broadcastPresence()
}

func (c *Coordinator) handleLeave(session *Session) {
	if !session.joined() {
		return
	}
	session.WorkspaceID = ""
	session.JoinedAt = time.Time{}
	c.broadcastPresence()
}

func (c *Coordinator) handlePush(session *Session, changes []changelog.ChangeRecord) {
	if !session.authenticated() {
		session.send(protocol.NewError(protocol.CodeNotAuthenticated, "authentication required before push"))
		return
	}
	if !session.joined() {
		session.send(protocol.NewError(protocol.CodeNotJoined, "workspace join required before push"))
		return
	}

	accepted, version, err := c.apply(changes)
	if err != nil {
		session.send(protocol.NewError(protocol.CodeServerError, "change log write failed"))
		return
	}
	session.send(protocol.NewPushed(version))
	if len(accepted) > 0 {
		c.broadcastChanges(accepted, version, session.ID)
	}
}

func (c *Coordinator) handlePull(session *Session, sinceVersion int64) {
	if !session.authenticated() {
		session.send(protocol.NewError(protocol.CodeNotAuthenticated, "authentication required before pull"))
		return
	}
	if !session.joined() {
		session.send(protocol.NewError(protocol.CodeNotJoined, "workspace join required before pull"))
		return
	}
	session.send(protocol.NewChanges(c.suffix(sinceVersion), c.currentVersion))
}

// apply assigns contiguous versions to the batch, persists it together with
// the advanced counter, and only then mutates the in-memory log. A failed
// write leaves the coordinator state untouched and nothing is broadcast.
func (c *Coordinator) apply(changes []changelog.ChangeRecord) ([]changelog.ChangeRecord, int64, error) {
	if len(changes) == 0 {
		return nil, c.currentVersion, nil
	}

	accepted := make([]changelog.ChangeRecord, len(changes))
	version := c.currentVersion
	for index, change := range changes {
		version++
		change.WorkspaceID = c.workspaceID.String()
		change.Version = version
		accepted[index] = change
	}

	if err := c.store.Append(context.Background(), c.workspaceID, accepted, version); err != nil {
		return nil, c.currentVersion, err
	}

	c.log = append(c.log, accepted...)
	c.currentVersion = version
	return accepted, version, nil
}

// suffix returns a copy of all records with version > sinceVersion in
// ascending order. Versions are contiguous from 1, so the slice offset is the
// requested version itself.
func (c *Coordinator) suffix(sinceVersion int64) []changelog.ChangeRecord {
	if sinceVersion < 0 {
		sinceVersion = 0
	}
	if sinceVersion >= int64(len(c.log)) {
		return nil
	}
	return append([]changelog.ChangeRecord(nil), c.log[sinceVersion:]...)
}

func (c *Coordinator) broadcastChanges(records []changelog.ChangeRecord, version int64, excludeSessionID string) {
	frame := protocol.NewChanges(records, version)
	for _, peer := range c.registry.joined() {
		if peer.ID == excludeSessionID {
			continue
		}
		peer.send(frame)
	}
}

func (c *Coordinator) broadcastPresence() {
	frame := protocol.NewPresence(c.registry.presence())
	for _, peer := range c.registry.joined() {
		peer.send(frame)
	}
}

// PullSince serves the stateless read path: the log suffix after sinceVersion
// plus the current version. It is side-effect-free.
func (c *Coordinator) PullSince(ctx context.Context, sinceVersion int64) ([]changelog.ChangeRecord, int64, error) {
	type result struct {
		records []changelog.ChangeRecord
		version int64
	}
	reply := make(chan result, 1)
	if err := c.submit(func() {
		reply <- result{records: c.suffix(sinceVersion), version: c.currentVersion}
	}); err != nil {
		return nil, 0, err
	}
	select {
	case r := <-reply:
		return r.records, r.version, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// PushFrom serves the stateless write path after bearer verification: an
// implicit authenticate-and-join scoped to this instance's workspace. The
// accepted batch is broadcast to every joined channel session.
func (c *Coordinator) PushFrom(ctx context.Context, accountID string, changes []changelog.ChangeRecord) (int64, error) {
	type result struct {
		version int64
		err     error
	}
	reply := make(chan result, 1)
	if err := c.submit(func() {
		accepted, version, err := c.apply(changes)
		if err == nil && len(accepted) > 0 {
			c.broadcastChanges(accepted, version, "")
		}
		reply <- result{version: version, err: err}
	}); err != nil {
		return 0, err
	}
	select {
	case r := <-reply:
		if r.err != nil {
			c.logger.Error("stateless push failed",
				zap.String("workspace_id", c.workspaceID.String()),
				zap.String("account_id", accountID),
				zap.Error(r.err))
		}
		return r.version, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// PresenceSnapshot reports the currently joined sessions.
func (c *Coordinator) PresenceSnapshot(ctx context.Context) ([]protocol.PresenceMember, error) {
	reply := make(chan []protocol.PresenceMember, 1)
	if err := c.submit(func() {
		reply <- c.registry.presence()
	}); err != nil {
		return nil, err
	}
	select {
	case members := <-reply:
		return members, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
