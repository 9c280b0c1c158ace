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

package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/config"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/scheduler"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/session"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/streaming"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	logutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/logging"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingEnqueuer) Enqueue(sessionID string, urgency scheduler.Urgency) *scheduler.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionID)
	return scheduler.NewTask(sessionID, urgency, time.Now())
}

func (r *recordingEnqueuer) CancelSession(string) {}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type gatewayFixture struct {
	sessions *session.Manager
	streamer *streaming.Handler
	enqueuer *recordingEnqueuer
	url      string
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	logger := logutil.NewTestLogger()
	cfg := config.Default()

	sessions := session.NewManager(cfg.Session, logger)
	streamer := streaming.NewHandler(cfg.Streaming, cfg.Session.SignalStaleness.Duration, sessions, logger)
	enqueuer := &recordingEnqueuer{}
	sessions.Bind(enqueuer, streamer)

	srv := httptest.NewServer(NewGateway(cfg.Session, sessions, streamer, logger).Mux())
	t.Cleanup(srv.Close)

	return &gatewayFixture{
		sessions: sessions,
		streamer: streamer,
		enqueuer: enqueuer,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + StreamPath,
	}
}

func (f *gatewayFixture) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := f.url
	if sessionID != "" {
		url += "?sessionId=" + sessionID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func signalPayload(t *testing.T, learner, knowledge, engagement, assessment float64, at time.Time, phase string) json.RawMessage {
	t.Helper()
	update := signalUpdate{
		Learner:     &learner,
		Knowledge:   &knowledge,
		Engagement:  &engagement,
		Assessment:  &assessment,
		CollectedAt: &at,
		Phase:       phase,
	}
	raw, err := json.Marshal(update)
	require.NoError(t, err)
	return raw
}

func readEstablished(t *testing.T, conn *websocket.Conn) sessionEstablished {
	t.Helper()
	env := readEnvelope(t, conn)
	require.Equal(t, TypeSessionEstablished, env.Type)
	var est sessionEstablished
	require.NoError(t, json.Unmarshal(env.Payload, &est))
	return est
}

func TestGateway_EstablishAndStream(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	conn := f.dial(t, "")
	est := readEstablished(t, conn)
	assert.NotEmpty(t, est.SessionID)
	assert.False(t, est.Resumed)
	assert.Equal(t, types.PhaseOnboarding, est.Phase)
	assert.Equal(t, 1, f.sessions.Count())

	// An engine-side command reaches the client as an envelope.
	f.streamer.PushCommand(types.AdaptationCommand{
		SessionID:       est.SessionID,
		Type:            types.CommandDifficultyAdjust,
		DifficultyDelta: 0.3808,
		State:           0.3808,
		ProducedAt:      time.Now(),
	}, types.PhasePractice)

	env := readEnvelope(t, conn)
	require.Equal(t, TypeAdaptationCommand, env.Type)
	var cmd types.AdaptationCommand
	require.NoError(t, json.Unmarshal(env.Payload, &cmd))
	assert.Equal(t, est.SessionID, cmd.SessionID)
	assert.Equal(t, types.CommandDifficultyAdjust, cmd.Type)
}

func TestGateway_SignalUpdateFlowsToManager(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	conn := f.dial(t, "")
	est := readEstablished(t, conn)

	payload := signalPayload(t, 0.8, 0.6, 0.5, 0.2, time.Now(), string(types.PhasePractice))
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeSignalUpdate, Payload: payload}))

	require.Eventually(t, func() bool {
		return f.enqueuer.count() == 1
	}, 5*time.Second, 10*time.Millisecond)

	sess, err := f.sessions.Get(est.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.PhasePractice, sess.Phase())
	signals, ok := sess.Signals()
	require.True(t, ok)
	assert.Equal(t, 0.8, signals.Learner)
}

func TestGateway_MalformedSignalUpdateGetsNotice(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	conn := f.dial(t, "")
	readEstablished(t, conn)

	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeSignalUpdate, Payload: json.RawMessage(`{"learnerScore": "high"}`)}))

	env := readEnvelope(t, conn)
	require.Equal(t, TypeErrorNotice, env.Type)
	var notice types.ErrorNotice
	require.NoError(t, json.Unmarshal(env.Payload, &notice))
	assert.Equal(t, "InvalidInput", notice.ErrorKind)
}

func TestGateway_OutOfRangeScoreGetsNotice(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	conn := f.dial(t, "")
	readEstablished(t, conn)

	payload := signalPayload(t, 1.5, 0.6, 0.5, 0.2, time.Now(), "")
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeSignalUpdate, Payload: payload}))

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeErrorNotice, env.Type)
	assert.Zero(t, f.enqueuer.count())
}

func TestGateway_MissingScoreGetsNotice(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	conn := f.dial(t, "")
	est := readEstablished(t, conn)

	// No assessmentScore: the reading must be rejected, not evaluated with a
	// fabricated 0.0.
	payload := json.RawMessage(`{"learnerScore": 0.8, "knowledgeScore": 0.6, "engagementScore": 0.5, "timestamp": "` +
		time.Now().Format(time.RFC3339Nano) + `"}`)
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeSignalUpdate, Payload: payload}))

	env := readEnvelope(t, conn)
	require.Equal(t, TypeErrorNotice, env.Type)
	var notice types.ErrorNotice
	require.NoError(t, json.Unmarshal(env.Payload, &notice))
	assert.Equal(t, "InvalidInput", notice.ErrorKind)
	assert.Contains(t, notice.Message, "assessmentScore")
	assert.Zero(t, f.enqueuer.count())

	sess, err := f.sessions.Get(est.SessionID)
	require.NoError(t, err)
	_, stored := sess.Signals()
	assert.False(t, stored)
}

func TestGateway_ExplicitDisconnectClosesSession(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	conn := f.dial(t, "")
	readEstablished(t, conn)
	require.Equal(t, 1, f.sessions.Count())

	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeDisconnect}))
	require.Eventually(t, func() bool {
		return f.sessions.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGateway_DropAndResume(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	conn := f.dial(t, "")
	est := readEstablished(t, conn)

	// An abrupt drop parks the session for reconnect rather than closing it.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		sess, err := f.sessions.Get(est.SessionID)
		return err == nil && sess.State() == session.StateReconnecting
	}, 5*time.Second, 10*time.Millisecond)

	second := f.dial(t, est.SessionID)
	resumed := readEstablished(t, second)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, est.SessionID, resumed.SessionID)
	assert.Equal(t, 1, f.sessions.Count())
}

func TestGateway_UnknownSessionIDGetsFreshSession(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	conn := f.dial(t, "ghost")
	est := readEstablished(t, conn)
	assert.False(t, est.Resumed)
	assert.NotEqual(t, "ghost", est.SessionID)
}
