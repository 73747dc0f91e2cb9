package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"voxquery/internal/transcript"
	"voxquery/pkg/audio"
)

// Inbound actions on the session socket.
const (
	actionInput  = "input"
	actionSend   = "send"
	actionToggle = "toggle"
)

// Outbound message types on the session socket.
const (
	msgSnapshot  = "snapshot"
	msgAdded     = "added"
	msgRemoved   = "removed"
	msgField     = "field"
	msgListening = "listening"
)

// wsWriteTimeout bounds a single outbound frame write.
const wsWriteTimeout = 5 * time.Second

// inboundMessage is a UI action received on the session socket.
type inboundMessage struct {
	Action string `json:"action"`
	Text   string `json:"text,omitempty"`
}

// outboundMessage is a state update pushed to the UI. Exactly one payload
// group is populated depending on Type.
type outboundMessage struct {
	Type string `json:"type"`

	// snapshot
	SessionID string         `json:"session_id,omitempty"`
	Entries   []entryPayload `json:"entries,omitempty"`

	// added
	Entry *entryPayload `json:"entry,omitempty"`

	// removed
	Seq int64 `json:"seq,omitempty"`

	// field (also reused by snapshot for the current field text)
	Text string `json:"text,omitempty"`

	// listening (also reused by snapshot)
	Listening *bool `json:"listening,omitempty"`
}

// entryPayload is the wire form of a transcript entry.
type entryPayload struct {
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func toEntryPayload(e transcript.Entry) entryPayload {
	return entryPayload{
		Seq:       e.Seq,
		Role:      string(e.Role),
		Text:      e.Text,
		Timestamp: e.Timestamp,
	}
}

// handleSessionWS serves /ws/session. Each connection gets its own session;
// closing the socket tears the session down.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("session socket: accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	sess, err := s.sessions.Open()
	if err != nil {
		slog.Error("session socket: open session failed", "err", err)
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	defer s.sessions.Close(sess.ID())

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(r.Context(), 1)
		defer s.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := writeMessage(ctx, conn, sess.snapshot()); err != nil {
		slog.Warn("session socket: snapshot write failed", "session_id", sess.ID(), "err", err)
		return
	}

	// Writer: drain the session's outbound queue onto the socket.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sess.Out():
				if err := writeMessage(ctx, conn, msg); err != nil {
					return
				}
			}
		}
	}()

	// Reader: dispatch UI actions until the peer disconnects.
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("session socket: bad message", "session_id", sess.ID(), "err", err)
			continue
		}
		switch msg.Action {
		case actionInput:
			sess.Input(msg.Text)
		case actionSend:
			sess.Send()
		case actionToggle:
			sess.Toggle()
		default:
			slog.Warn("session socket: unknown action",
				"session_id", sess.ID(), "action", msg.Action)
		}
	}

	cancel()
	<-writeDone
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// handleAudioWS serves /ws/audio. The peer sends binary Opus frames which are
// decoded, converted to recognizer format, and fed to the session's engine.
// The target session is named by the session query parameter.
func (s *Server) handleAudioWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	sess, ok := s.sessions.Get(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("audio socket: accept failed", "session_id", id, "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "audio stream ended")

	dec, err := audio.NewDecoder()
	if err != nil {
		slog.Error("audio socket: decoder init failed", "session_id", id, "err", err)
		conn.Close(websocket.StatusInternalError, "decoder unavailable")
		return
	}

	ctx := r.Context()
	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		pcm, err := dec.DecodeRecognize(frame)
		if err != nil {
			// A corrupt frame is not fatal; the next one resyncs the decoder.
			slog.Debug("audio socket: frame decode failed", "session_id", id, "err", err)
			continue
		}
		if err := sess.SendAudio(pcm); err != nil {
			slog.Warn("audio socket: engine rejected audio", "session_id", id, "err", err)
			return
		}
	}
}

// writeMessage marshals msg and writes it as a text frame with a bounded
// timeout.
func writeMessage(ctx context.Context, conn *websocket.Conn, msg outboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
