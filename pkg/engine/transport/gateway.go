/*
Copyright 2025 The Malloc Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport exposes the engine over WebSocket. Each connection
// carries JSON envelopes: signal updates and heartbeats inbound, adaptation
// commands, state snapshots and error notices outbound. A dropped connection
// parks its session in the reconnecting state; presenting the session id on a
// new connection within the grace window resumes it.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/config"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/session"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/streaming"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
	logutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/logging"
)

const (
	loggerName = "TransportGateway"

	// StreamPath is the WebSocket endpoint learner clients dial.
	StreamPath = "/v1/stream"

	writeWait      = 10 * time.Second
	maxMessageSize = 8 * 1024
)

// Gateway upgrades learner connections and bridges them to the session
// manager and the streaming handler.
type Gateway struct {
	sessions *session.Manager
	streamer *streaming.Handler
	logger   logr.Logger

	upgrader websocket.Upgrader

	// pongWait bounds silence on the read side; pingPeriod keeps the
	// connection ahead of that bound.
	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewGateway creates a gateway over the given session manager and streaming
// handler. The read deadline follows the session heartbeat timeout so the
// transport never outlives the session it carries.
func NewGateway(cfg config.SessionConfig, sessions *session.Manager, streamer *streaming.Handler, logger logr.Logger) *Gateway {
	pongWait := cfg.HeartbeatTimeout.Duration
	return &Gateway{
		sessions: sessions,
		streamer: streamer,
		logger:   logger.WithName(loggerName),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pongWait:   pongWait,
		pingPeriod: pongWait * 9 / 10,
	}
}

// Mux returns an http handler serving the stream endpoint.
func (g *Gateway) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(StreamPath, g.handleStream)
	return mux
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.V(logutil.DEFAULT).Info("WebSocket upgrade failed", "remote", r.RemoteAddr, "err", err.Error())
		return
	}

	sess, resumed := g.establish(r.URL.Query().Get("sessionId"))
	outbox := g.streamer.Attach(sess.ID())

	if err := g.writeEnvelope(conn, TypeSessionEstablished, sessionEstablished{
		SessionID: sess.ID(),
		State:     sess.TransitionState(),
		Phase:     sess.Phase(),
		Resumed:   resumed,
	}); err != nil {
		g.logger.V(logutil.DEFAULT).Info("Failed to greet connection", "sessionID", sess.ID(), "err", err.Error())
		_ = conn.Close()
		g.sessions.MarkReconnecting(sess.ID())
		return
	}

	g.logger.V(logutil.DEFAULT).Info("Connection established",
		"sessionID", sess.ID(), "resumed", resumed, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	go g.writePump(ctx, conn, sess.ID(), outbox)

	clean := g.readPump(conn, sess.ID())
	cancel()
	_ = conn.Close()

	if !clean {
		g.sessions.MarkReconnecting(sess.ID())
	}
}

// establish resumes the presented session when it is still inside its
// reconnect grace window, and creates a fresh session otherwise.
func (g *Gateway) establish(presented string) (*session.Session, bool) {
	if presented != "" {
		if sess, err := g.sessions.ResumeSession(presented); err == nil {
			return sess, true
		}
		g.logger.V(logutil.VERBOSE).Info("Presented session not resumable, creating fresh", "sessionID", presented)
	}
	return g.sessions.CreateSession(), false
}

// readPump consumes inbound envelopes until the connection drops or the
// client disconnects explicitly. It reports whether the exit was a clean
// disconnect.
func (g *Gateway) readPump(conn *websocket.Conn, sessionID string) bool {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(g.pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(g.pongWait))
		return g.sessions.Heartbeat(sessionID)
	})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.V(logutil.DEFAULT).Info("Connection dropped", "sessionID", sessionID, "err", err.Error())
			}
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.pongWait))

		switch env.Type {
		case TypeSignalUpdate:
			g.handleSignalUpdate(sessionID, env.Payload)
		case TypeHeartbeat:
			if err := g.sessions.Heartbeat(sessionID); err != nil {
				return false
			}
		case TypeDisconnect:
			g.sessions.CloseSession(sessionID, "client disconnect")
			return true
		default:
			g.reject(sessionID, fmt.Sprintf("unknown message type %q", env.Type))
		}
	}
}

func (g *Gateway) handleSignalUpdate(sessionID string, payload json.RawMessage) {
	var update signalUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		g.reject(sessionID, fmt.Sprintf("malformed signal_update payload: %v", err))
		return
	}

	if update.Phase != "" {
		phase, err := types.ParsePhase(update.Phase)
		if err != nil {
			g.reject(sessionID, err.Error())
			return
		}
		if sess, err := g.sessions.Get(sessionID); err == nil {
			sess.SetPhase(phase)
		}
	}

	signals, err := update.signals()
	if err != nil {
		g.reject(sessionID, err.Error())
		return
	}

	// Validation faults are reported through the streaming handler by the
	// manager itself.
	_ = g.sessions.UpdateSignals(sessionID, signals)
}

// reject surfaces a malformed inbound message as an error notice without
// closing the connection.
func (g *Gateway) reject(sessionID, msg string) {
	g.logger.V(logutil.VERBOSE).Info("Rejected inbound message", "sessionID", sessionID, "reason", msg)
	g.streamer.Notice(sessionID, types.ErrorNotice{
		SessionID: sessionID,
		ErrorKind: errutil.InvalidInput,
		Message:   msg,
	})
}

// writePump is the connection's only writer. It drains the session outbox
// and keeps the connection alive with pings.
func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, sessionID string, outbox *streaming.Outbox) {
	ticker := time.NewTicker(g.pingPeriod)
	defer ticker.Stop()

	msgs := make(chan streaming.Outbound)
	popCtx, popCancel := context.WithCancel(ctx)
	defer popCancel()
	go func() {
		defer close(msgs)
		for {
			msg, ok := outbox.Pop(popCtx)
			if !ok {
				return
			}
			select {
			case msgs <- msg:
			case <-popCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-msgs:
			if !ok {
				// Outbox closed: session torn down. Say goodbye.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			env, err := encodeOutbound(msg)
			if err != nil {
				g.logger.Error(err, "Dropping unencodable outbound message", "sessionID", sessionID)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				g.logger.V(logutil.DEBUG).Info("Write failed", "sessionID", sessionID, "err", err.Error())
				return
			}
		}
	}
}

func (g *Gateway) writeEnvelope(conn *websocket.Conn, typ MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(Envelope{Type: typ, Payload: raw})
}
