package coordinator

import (
	"github.com/MarcoPoloResearchLab/relay/backend/internal/protocol"
)

// registry tracks the sessions currently attached to one coordinator. It is
// owned exclusively by the coordinator's actor goroutine and therefore needs
// no locking; it is rebuilt empty on every instance start.
type registry struct {
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

func (r *registry) add(session *Session) {
	r.sessions[session.ID] = session
}

func (r *registry) remove(sessionID string) *Session {
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)
	return session
}

func (r *registry) joined() []*Session {
	members := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		if session.joined() {
			members = append(members, session)
		}
	}
	return members
}

// presence snapshots the joined sessions for a presence broadcast. The slice
// is recomputed on every call and never cached.
func (r *registry) presence() []protocol.PresenceMember {
	joined := r.joined()
	members := make([]protocol.PresenceMember, 0, len(joined))
	for _, session := range joined {
		members = append(members, protocol.PresenceMember{
			AccountID: session.AccountID,
			SiteID:    session.SiteID,
			JoinedAt:  session.JoinedAt,
			LastSeen:  session.LastSeen,
		})
	}
	return members
}
