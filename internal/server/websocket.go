package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/changelog"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/coordinator"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	channelWriteWait      = 10 * time.Second
	channelPongWait       = 60 * time.Second
	channelPingPeriod     = 54 * time.Second
	channelMaxMessageSize = 1 << 20
)

var channelUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		// Credentials travel inside the channel, not on the upgrade request.
		return true
	},
}

// handleChannel upgrades the request to the persistent bidirectional channel
// and runs the session against the workspace's coordinator until the peer
// disconnects.
func (g *Gateway) handleChannel(c *gin.Context) {
	workspaceID, err := changelog.NewWorkspaceID(c.Param("workspaceId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace"})
		return
	}

	coord, err := g.hub.Get(c.Request.Context(), workspaceID)
	if err != nil {
		g.logger.Error("workspace activation failed",
			zap.String("workspace_id", workspaceID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace_unavailable"})
		return
	}

	sessionID, err := g.ids.NewID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_id_failed"})
		return
	}

	conn, err := channelUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		g.logger.Debug("channel upgrade failed", zap.Error(err))
		return
	}

	session := coordinator.NewSession(sessionID, g.clock())
	if err := coord.Attach(session); err != nil {
		conn.Close()
		return
	}

	g.logger.Debug("channel session opened",
		zap.String("workspace_id", workspaceID.String()),
		zap.String("session_id", sessionID))

	go g.writePump(conn, session)
	g.readPump(conn, coord, session)
}

// readPump consumes client frames until the connection dies, forwarding each
// to the coordinator. It owns connection teardown.
func (g *Gateway) readPump(conn *websocket.Conn, coord *coordinator.Coordinator, session *coordinator.Session) {
	defer func() {
		if err := coord.Detach(session.ID); err != nil {
			session.Close()
		}
		conn.Close()
	}()

	conn.SetReadLimit(channelMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(channelPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(channelPongWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Debug("channel read failed",
					zap.String("session_id", session.ID), zap.Error(err))
			}
			return
		}
		if err := coord.HandleMessage(session, frame); err != nil {
			if errors.Is(err, coordinator.ErrClosed) {
				return
			}
			return
		}
	}
}

// writePump delivers queued outbound frames and keeps the connection alive
// with pings. It exits when the session is torn down.
func (g *Gateway) writePump(conn *websocket.Conn, session *coordinator.Session) {
	ticker := time.NewTicker(channelPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-session.Outbound():
			conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-session.Done():
			conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
