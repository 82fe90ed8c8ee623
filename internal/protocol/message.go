package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/changelog"
)

// MessageType tags every frame exchanged over the persistent channel.
type MessageType string

const (
	// Client to server.
	TypeAuth  MessageType = "auth"
	TypeJoin  MessageType = "join"
	TypeLeave MessageType = "leave"
	TypePush  MessageType = "push"
	TypePull  MessageType = "pull"
	TypeAck   MessageType = "ack"

	// Server to client.
	TypeError         MessageType = "error"
	TypeAuthenticated MessageType = "authenticated"
	TypeJoined        MessageType = "joined"
	TypeChanges       MessageType = "changes"
	TypePushed        MessageType = "pushed"
	TypePresence      MessageType = "presence"
)

// ErrorCode classifies recoverable protocol failures reported to the sender.
type ErrorCode string

const (
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodeNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"
	CodeNotJoined        ErrorCode = "NOT_JOINED"
	CodeParseError       ErrorCode = "PARSE_ERROR"
	CodeServerError      ErrorCode = "SERVER_ERROR"
)

// ErrMalformedFrame indicates an inbound frame that could not be decoded into
// any known message shape.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Inbound is the closed set of client-originated messages. DecodeInbound is
// the only constructor; handlers switch over the concrete variants.
type Inbound interface {
	inbound()
}

// Auth carries a bearer credential for session authentication.
type Auth struct {
	Token string
}

// Join requests membership in the coordinator's workspace.
type Join struct {
	WorkspaceID string
}

// Leave detaches the session from the workspace without closing the channel.
type Leave struct{}

// Push submits a batch of opaque change records for ordering and fan-out.
type Push struct {
	Changes []changelog.ChangeRecord
}

// Pull requests the log suffix after the given version.
type Pull struct {
	SinceVersion int64
}

// Ack acknowledges receipt of a broadcast version. Reserved: accepted and
// recorded against the session's liveness only.
type Ack struct {
	Version int64
}

func (Auth) inbound()  {}
func (Join) inbound()  {}
func (Leave) inbound() {}
func (Push) inbound()  {}
func (Pull) inbound()  {}
func (Ack) inbound()   {}

type inboundFrame struct {
	Type         MessageType              `json:"type"`
	Token        string                   `json:"token"`
	WorkspaceID  string                   `json:"workspaceId"`
	Changes      []changelog.ChangeRecord `json:"changes"`
	SinceVersion int64                    `json:"sinceVersion"`
	Version      int64                    `json:"version"`
}

// DecodeInbound parses one client frame into its typed variant. Unknown tags,
// invalid JSON, and structurally invalid change batches all yield
// ErrMalformedFrame.
func DecodeInbound(data []byte) (Inbound, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch frame.Type {
	case TypeAuth:
		return Auth{Token: frame.Token}, nil
	case TypeJoin:
		return Join{WorkspaceID: frame.WorkspaceID}, nil
	case TypeLeave:
		return Leave{}, nil
	case TypePush:
		for index, change := range frame.Changes {
			if change.ChangeID == "" {
				return nil, fmt.Errorf("%w: change %d missing id", ErrMalformedFrame, index)
			}
			if _, err := changelog.ParseChangeType(string(change.ChangeType)); err != nil {
				return nil, fmt.Errorf("%w: change %d: %v", ErrMalformedFrame, index, err)
			}
		}
		return Push{Changes: frame.Changes}, nil
	case TypePull:
		if frame.SinceVersion < 0 {
			return nil, fmt.Errorf("%w: negative sinceVersion %d", ErrMalformedFrame, frame.SinceVersion)
		}
		return Pull{SinceVersion: frame.SinceVersion}, nil
	case TypeAck:
		return Ack{Version: frame.Version}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, frame.Type)
	}
}

// PresenceMember is the wire snapshot of one joined session.
type PresenceMember struct {
	AccountID string    `json:"accountId"`
	SiteID    string    `json:"siteId"`
	JoinedAt  time.Time `json:"joinedAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

// ErrorMessage reports a recoverable failure to the originating session only.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
}

// Authenticated confirms a successful credential exchange.
type Authenticated struct {
	Type      MessageType `json:"type"`
	AccountID string      `json:"accountId"`
}

// Joined confirms workspace membership and reports the current version.
type Joined struct {
	Type           MessageType `json:"type"`
	WorkspaceID    string      `json:"workspaceId"`
	CurrentVersion int64       `json:"currentVersion"`
}

// Changes carries a log suffix: a pull response or a push broadcast.
type Changes struct {
	Type    MessageType              `json:"type"`
	Changes []changelog.ChangeRecord `json:"changes"`
	Version int64                    `json:"version"`
}

// Pushed acknowledges an accepted push with the advanced version.
type Pushed struct {
	Type    MessageType `json:"type"`
	Version int64       `json:"version"`
}

// Presence reports the currently joined sessions to workspace peers.
type Presence struct {
	Type    MessageType      `json:"type"`
	Members []PresenceMember `json:"members"`
}

// NewError builds an error frame for the given code.
func NewError(code ErrorCode, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// NewAuthenticated builds the auth confirmation frame.
func NewAuthenticated(accountID string) Authenticated {
	return Authenticated{Type: TypeAuthenticated, AccountID: accountID}
}

// NewJoined builds the join confirmation frame.
func NewJoined(workspaceID string, currentVersion int64) Joined {
	return Joined{Type: TypeJoined, WorkspaceID: workspaceID, CurrentVersion: currentVersion}
}

// NewChanges builds a changes frame; records must already carry assigned versions.
func NewChanges(records []changelog.ChangeRecord, version int64) Changes {
	if records == nil {
		records = []changelog.ChangeRecord{}
	}
	return Changes{Type: TypeChanges, Changes: records, Version: version}
}

// NewPushed builds the push acknowledgement frame.
func NewPushed(version int64) Pushed {
	return Pushed{Type: TypePushed, Version: version}
}

// NewPresence builds the presence broadcast frame.
func NewPresence(members []PresenceMember) Presence {
	if members == nil {
		members = []PresenceMember{}
	}
	return Presence{Type: TypePresence, Members: members}
}
