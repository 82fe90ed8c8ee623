package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

const defaultOutboundBuffer = 64

// Session is the in-memory handle for one live persistent channel. Identity
// fields are mutated only by the owning coordinator's actor goroutine; the
// transport consumes Outbound and Done from its write pump.
type Session struct {
	ID          string
	AccountID   string
	SiteID      string
	WorkspaceID string
	ConnectedAt time.Time
	JoinedAt    time.Time
	LastSeen    time.Time

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a session handle with a buffered outbound queue.
func NewSession(id string, connectedAt time.Time) *Session {
	return &Session{
		ID:          id,
		ConnectedAt: connectedAt,
		LastSeen:    connectedAt,
		outbound:    make(chan []byte, defaultOutboundBuffer),
		done:        make(chan struct{}),
	}
}

// Outbound exposes the frames queued for delivery to this session.
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// Done is closed when the session is torn down; the write pump exits on it.
// The outbound channel itself is never closed, so late fan-out sends cannot
// panic against a disconnecting peer.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close marks the session dead. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) authenticated() bool {
	return s.AccountID != ""
}

func (s *Session) joined() bool {
	return s.WorkspaceID != ""
}

// send marshals and queues one frame, best effort. A dead session or a full
// buffer drops the frame; delivery failures are never reported to the caller.
func (s *Session) send(message any) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.outbound <- data:
	default:
	}
}

// deriveSiteID produces the stable per-connection site identifier from the
// authenticated account and the moment the channel was opened.
func deriveSiteID(accountID string, connectedAt time.Time) string {
	sum := sha256.Sum256([]byte(accountID + ":" + strconv.FormatInt(connectedAt.UnixNano(), 10)))
	return hex.EncodeToString(sum[:])[:16]
}
