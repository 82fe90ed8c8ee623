package server

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/changelog"
	"github.com/gorilla/websocket"
)

type channelFrame struct {
	Type           string                   `json:"type"`
	Code           string                   `json:"code"`
	AccountID      string                   `json:"accountId"`
	WorkspaceID    string                   `json:"workspaceId"`
	CurrentVersion int64                    `json:"currentVersion"`
	Version        int64                    `json:"version"`
	Changes        []changelog.ChangeRecord `json:"changes"`
	Members        []json.RawMessage        `json:"members"`
}

func dialChannel(t *testing.T, serverURL, workspaceID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/workspaces/" + workspaceID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial channel: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) channelFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	var frame channelFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("failed to decode frame %s: %v", raw, err)
	}
	return frame
}

func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) channelFrame {
	t.Helper()
	for attempt := 0; attempt < 16; attempt++ {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame arrived", frameType)
	return channelFrame{}
}

func authAndJoin(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	writeFrame(t, conn, fmt.Sprintf(`{"type":"auth","token":"%s"}`, token))
	readFrameOfType(t, conn, "authenticated")
	writeFrame(t, conn, `{"type":"join","workspaceId":"ws-channel"}`)
	readFrameOfType(t, conn, "joined")
	readFrameOfType(t, conn, "presence")
}

func TestChannelPushFansOutToPeers(t *testing.T) {
	gateway := newTestGateway(t, "ws_fanout")
	testServer := httptest.NewServer(gateway.Handler())
	defer testServer.Close()

	connA := dialChannel(t, testServer.URL, "ws-channel")
	connB := dialChannel(t, testServer.URL, "ws-channel")

	authAndJoin(t, connA, mintToken(t, "account-a"))
	authAndJoin(t, connB, mintToken(t, "account-b"))

	writeFrame(t, connA, `{"type":"push","changes":[`+
		`{"id":"c1","entityId":"e1","changeType":"create","encryptedData":"AQID","nonce":"BAUG","siteId":"site-a","timestamp":"2026-08-01T10:00:00Z"},`+
		`{"id":"c2","entityId":"e1","changeType":"update","encryptedData":"AQID","nonce":"BAUG","siteId":"site-a","timestamp":"2026-08-01T10:00:01Z"}]}`)

	pushed := readFrameOfType(t, connA, "pushed")
	if pushed.Version != 2 {
		t.Fatalf("expected pushed version 2, got %d", pushed.Version)
	}

	broadcast := readFrameOfType(t, connB, "changes")
	if broadcast.Version != 2 || len(broadcast.Changes) != 2 {
		t.Fatalf("expected both records on peer, got %+v", broadcast)
	}

	writeFrame(t, connB, `{"type":"pull","sinceVersion":0}`)
	replay := readFrameOfType(t, connB, "changes")
	if len(replay.Changes) != 2 || replay.Changes[0].Version != 1 || replay.Changes[1].Version != 2 {
		t.Fatalf("expected ordered replay, got %+v", replay.Changes)
	}
}

func TestChannelRejectsUnjoinedPush(t *testing.T) {
	gateway := newTestGateway(t, "ws_unjoined")
	testServer := httptest.NewServer(gateway.Handler())
	defer testServer.Close()

	conn := dialChannel(t, testServer.URL, "ws-channel")

	writeFrame(t, conn, `{"type":"push","changes":[{"id":"c1","entityId":"e1","changeType":"create","encryptedData":"AQID","nonce":"BAUG","siteId":"site-a","timestamp":"2026-08-01T10:00:00Z"}]}`)
	frame := readFrameOfType(t, conn, "error")
	if frame.Code != "NOT_AUTHENTICATED" {
		t.Fatalf("expected NOT_AUTHENTICATED, got %+v", frame)
	}
}

func TestChannelParseErrorKeepsConnectionOpen(t *testing.T) {
	gateway := newTestGateway(t, "ws_parse")
	testServer := httptest.NewServer(gateway.Handler())
	defer testServer.Close()

	conn := dialChannel(t, testServer.URL, "ws-channel")

	writeFrame(t, conn, `not json at all`)
	frame := readFrameOfType(t, conn, "error")
	if frame.Code != "PARSE_ERROR" {
		t.Fatalf("expected PARSE_ERROR, got %+v", frame)
	}

	writeFrame(t, conn, fmt.Sprintf(`{"type":"auth","token":"%s"}`, mintToken(t, "account-a")))
	authenticated := readFrameOfType(t, conn, "authenticated")
	if authenticated.AccountID != "account-a" {
		t.Fatalf("connection should survive a parse error, got %+v", authenticated)
	}
}

func TestChannelDisconnectUpdatesPresence(t *testing.T) {
	gateway := newTestGateway(t, "ws_disconnect")
	testServer := httptest.NewServer(gateway.Handler())
	defer testServer.Close()

	connA := dialChannel(t, testServer.URL, "ws-channel")
	connB := dialChannel(t, testServer.URL, "ws-channel")

	authAndJoin(t, connA, mintToken(t, "account-a"))
	authAndJoin(t, connB, mintToken(t, "account-b"))

	// A observes B's arrival.
	for {
		frame := readFrameOfType(t, connA, "presence")
		if len(frame.Members) == 2 {
			break
		}
	}

	connB.Close()

	frame := readFrameOfType(t, connA, "presence")
	if len(frame.Members) != 1 {
		t.Fatalf("expected a single member after disconnect, got %d", len(frame.Members))
	}
}

func TestChannelAndStatelessSurfacesShareTheLog(t *testing.T) {
	gateway := newTestGateway(t, "ws_shared_log")
	testServer := httptest.NewServer(gateway.Handler())
	defer testServer.Close()

	conn := dialChannel(t, testServer.URL, "ws-channel")
	authAndJoin(t, conn, mintToken(t, "account-a"))

	writeFrame(t, conn, `{"type":"push","changes":[{"id":"c1","entityId":"e1","changeType":"create","encryptedData":"AQID","nonce":"BAUG","siteId":"site-a","timestamp":"2026-08-01T10:00:00Z"}]}`)
	readFrameOfType(t, conn, "pushed")

	response, err := testServer.Client().Get(testServer.URL + "/workspaces/ws-channel/changes?since=0")
	if err != nil {
		t.Fatalf("stateless pull failed: %v", err)
	}
	defer response.Body.Close()

	var pullResult struct {
		Changes []changelog.ChangeRecord `json:"changes"`
		Version int64                    `json:"version"`
	}
	if err := json.NewDecoder(response.Body).Decode(&pullResult); err != nil {
		t.Fatalf("failed to decode pull response: %v", err)
	}
	if pullResult.Version != 1 || len(pullResult.Changes) != 1 || pullResult.Changes[0].ChangeID != "c1" {
		t.Fatalf("stateless surface must see channel pushes, got %+v", pullResult)
	}
}
