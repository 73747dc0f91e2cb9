package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"voxquery/internal/answer"
	"voxquery/internal/recognizer"
	recognizermock "voxquery/internal/recognizer/mock"
	"voxquery/internal/server"
)

// wsMessage mirrors the session socket's outbound JSON shape.
type wsMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Entries   []struct {
		Seq  int64  `json:"seq"`
		Role string `json:"role"`
		Text string `json:"text"`
	} `json:"entries"`
	Entry *struct {
		Seq  int64  `json:"seq"`
		Role string `json:"role"`
		Text string `json:"text"`
	} `json:"entry"`
	Seq       int64  `json:"seq"`
	Text      string `json:"text"`
	Listening *bool  `json:"listening"`
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// startServer launches the full handler tree on an httptest server with the
// given session backend and engine factory.
func startServer(t *testing.T, backend *scriptedClient, newEngine server.EngineFactory) *httptest.Server {
	t.Helper()
	responder := newTestResponder(t, []float32{1})
	sessions := server.NewSessionManager(server.SessionConfig{
		Backend:   backend,
		NewEngine: newEngine,
		Debounce:  50 * time.Millisecond,
	})
	t.Cleanup(sessions.CloseAll)
	srv, err := server.New(server.Config{Addr: ":0"}, responder, sessions, nil, nil)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// dialSession connects to /ws/session and consumes the snapshot message.
func dialSession(t *testing.T, ts *httptest.Server) (*websocket.Conn, wsMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/session"), nil)
	if err != nil {
		t.Fatalf("dial session socket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	snap := readMessage(t, conn)
	if snap.Type != "snapshot" {
		t.Fatalf("first message type = %q, want snapshot", snap.Type)
	}
	return conn, snap
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal message %s: %v", data, err)
	}
	return msg
}

func writeAction(t *testing.T, conn *websocket.Conn, action, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(map[string]string{"action": action, "text": text})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write action %s: %v", action, err)
	}
}

// collectUntil reads messages until pred returns true, returning everything
// read. Fails the test if pred never matches within the read timeouts.
func collectUntil(t *testing.T, conn *websocket.Conn, max int, pred func(wsMessage) bool) []wsMessage {
	t.Helper()
	var msgs []wsMessage
	for range max {
		msg := readMessage(t, conn)
		msgs = append(msgs, msg)
		if pred(msg) {
			return msgs
		}
	}
	t.Fatalf("predicate never matched in %d messages: %+v", max, msgs)
	return nil
}

func TestSessionSocket_Snapshot(t *testing.T) {
	t.Parallel()

	ts := startServer(t, &scriptedClient{response: "fine"}, nil)
	_, snap := dialSession(t, ts)

	if snap.SessionID == "" {
		t.Error("snapshot has no session_id")
	}
	if len(snap.Entries) != 0 {
		t.Errorf("snapshot entries = %d, want 0", len(snap.Entries))
	}
	if snap.Listening == nil || *snap.Listening {
		t.Error("snapshot listening should be false")
	}
}

func TestSessionSocket_InputEchoesField(t *testing.T) {
	t.Parallel()

	ts := startServer(t, &scriptedClient{response: "fine"}, nil)
	conn, _ := dialSession(t, ts)

	writeAction(t, conn, "input", "what are the hours")
	msg := readMessage(t, conn)
	if msg.Type != "field" || msg.Text != "what are the hours" {
		t.Errorf("got %+v, want field message echoing the input", msg)
	}
}

func TestSessionSocket_SendFlow(t *testing.T) {
	t.Parallel()

	ts := startServer(t, &scriptedClient{response: "The answer."}, nil)
	conn, _ := dialSession(t, ts)

	writeAction(t, conn, "input", "the question")
	writeAction(t, conn, "send", "")

	msgs := collectUntil(t, conn, 10, func(m wsMessage) bool {
		return m.Type == "added" && m.Entry != nil && m.Entry.Role == "response"
	})

	var sawQuery, sawPending, sawRemoved bool
	var pendingSeq int64
	for _, m := range msgs {
		switch {
		case m.Type == "added" && m.Entry != nil && m.Entry.Role == "query":
			sawQuery = true
			if m.Entry.Text != "the question" {
				t.Errorf("query entry text = %q", m.Entry.Text)
			}
		case m.Type == "added" && m.Entry != nil && m.Entry.Role == "pending":
			sawPending = true
			pendingSeq = m.Entry.Seq
		case m.Type == "removed":
			sawRemoved = true
			if m.Seq != pendingSeq {
				t.Errorf("removed seq = %d, want pending seq %d", m.Seq, pendingSeq)
			}
		}
	}
	if !sawQuery || !sawPending || !sawRemoved {
		t.Errorf("missing lifecycle messages: query=%v pending=%v removed=%v", sawQuery, sawPending, sawRemoved)
	}
	last := msgs[len(msgs)-1]
	if last.Entry.Text != "The answer." {
		t.Errorf("response entry text = %q, want %q", last.Entry.Text, "The answer.")
	}
}

func TestSessionSocket_EmptySend(t *testing.T) {
	t.Parallel()

	ts := startServer(t, &scriptedClient{response: "unused"}, nil)
	conn, _ := dialSession(t, ts)

	writeAction(t, conn, "send", "")
	msgs := collectUntil(t, conn, 5, func(m wsMessage) bool {
		return m.Type == "added" && m.Entry != nil && m.Entry.Role == "error"
	})
	last := msgs[len(msgs)-1]
	if last.Entry.Text != "Error: Please enter a query before sending." {
		t.Errorf("error entry text = %q", last.Entry.Text)
	}
}

func TestSessionSocket_Toggle(t *testing.T) {
	t.Parallel()

	eng := recognizermock.New()
	ts := startServer(t, &scriptedClient{response: "fine"}, func() (recognizer.Engine, error) {
		return eng, nil
	})
	conn, _ := dialSession(t, ts)

	writeAction(t, conn, "toggle", "")
	msg := collectUntil(t, conn, 5, func(m wsMessage) bool { return m.Type == "listening" })
	if last := msg[len(msg)-1]; last.Listening == nil || !*last.Listening {
		t.Fatalf("listening message = %+v, want listening true", last)
	}

	writeAction(t, conn, "toggle", "")
	msg = collectUntil(t, conn, 5, func(m wsMessage) bool { return m.Type == "listening" })
	if last := msg[len(msg)-1]; last.Listening == nil || *last.Listening {
		t.Fatalf("listening message = %+v, want listening false", last)
	}
}

func TestSessionSocket_TextOnlyToggle(t *testing.T) {
	t.Parallel()

	ts := startServer(t, &scriptedClient{response: "fine"}, nil)
	conn, _ := dialSession(t, ts)

	writeAction(t, conn, "toggle", "")
	msgs := collectUntil(t, conn, 5, func(m wsMessage) bool {
		return m.Type == "added" && m.Entry != nil && m.Entry.Role == "error"
	})
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Entry.Text, "not available") {
		t.Errorf("error entry text = %q, want voice-unavailable error", last.Entry.Text)
	}
}

func TestSessionSocket_VoiceFragmentAutoSubmit(t *testing.T) {
	t.Parallel()

	eng := recognizermock.New()
	ts := startServer(t, &scriptedClient{response: "Voice answer."}, func() (recognizer.Engine, error) {
		return eng, nil
	})
	conn, _ := dialSession(t, ts)

	writeAction(t, conn, "toggle", "")
	collectUntil(t, conn, 5, func(m wsMessage) bool { return m.Type == "listening" })

	eng.Emit("spoken question")

	// A successful voice-originated answer appends the response and ends the
	// listening session; the two messages may arrive in either order.
	var sawResponse, sawListeningOff bool
	collectUntil(t, conn, 15, func(m wsMessage) bool {
		if m.Type == "added" && m.Entry != nil && m.Entry.Role == "response" {
			if m.Entry.Text != "Voice answer." {
				t.Errorf("response entry text = %q", m.Entry.Text)
			}
			sawResponse = true
		}
		if m.Type == "listening" && m.Listening != nil && !*m.Listening {
			sawListeningOff = true
		}
		return sawResponse && sawListeningOff
	})
}

func TestSessionSocket_SessionRemovedOnDisconnect(t *testing.T) {
	t.Parallel()

	responder := newTestResponder(t, []float32{1})
	sessions := server.NewSessionManager(server.SessionConfig{
		Backend: &scriptedClient{response: "fine"},
	})
	t.Cleanup(sessions.CloseAll)
	srv, err := server.New(server.Config{Addr: ":0"}, responder, sessions, nil, nil)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/session"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readMessage(t, conn)
	if sessions.Count() != 1 {
		t.Fatalf("session count = %d, want 1", sessions.Count())
	}

	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.After(3 * time.Second)
	for sessions.Count() != 0 {
		select {
		case <-deadline:
			t.Fatalf("session count = %d after disconnect, want 0", sessions.Count())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAudioSocket_UnknownSession(t *testing.T) {
	t.Parallel()

	ts := startServer(t, &scriptedClient{response: "fine"}, nil)

	resp, err := http.Get(ts.URL + "/ws/audio?session=nope")
	if err != nil {
		t.Fatalf("GET audio socket: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
