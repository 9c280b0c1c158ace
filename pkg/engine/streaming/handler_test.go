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

package streaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/config"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/scheduler"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/session"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	logutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/logging"
)

type noopEnqueuer struct {
	mu       sync.Mutex
	enqueued []string
}

func (n *noopEnqueuer) Enqueue(sessionID string, urgency scheduler.Urgency) *scheduler.Task {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enqueued = append(n.enqueued, sessionID)
	return scheduler.NewTask(sessionID, urgency, time.Now())
}

func (n *noopEnqueuer) CancelSession(string) {}

func testStreamingConfig(buffer int) config.StreamingConfig {
	return config.StreamingConfig{
		SnapshotInterval:   config.Duration{Duration: 5 * time.Second},
		OutboundBufferSize: buffer,
	}
}

func newTestHandler(t *testing.T, buffer int) (*Handler, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(config.SessionConfig{
		BaselineState:    0,
		HeartbeatTimeout: config.Duration{Duration: 30 * time.Second},
		ReconnectGrace:   config.Duration{Duration: 5 * time.Second},
		SignalStaleness:  config.Duration{Duration: 10 * time.Second},
		HistorySize:      8,
	}, logutil.NewTestLogger())
	h := NewHandler(testStreamingConfig(buffer), 10*time.Second, sessions, logutil.NewTestLogger())
	sessions.Bind(&noopEnqueuer{}, h)
	return h, sessions
}

func command(sessionID string) types.AdaptationCommand {
	return types.AdaptationCommand{
		SessionID:  sessionID,
		Type:       types.CommandPacingAdjust,
		State:      0.1,
		ProducedAt: time.Now(),
	}
}

func TestHandler_CommandsArriveInOrder(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 16)
	ob := h.Attach("sess-a")

	for i := 0; i < 5; i++ {
		cmd := command("sess-a")
		cmd.State = types.TransitionState(float64(i) / 10)
		h.PushCommand(cmd, types.PhasePractice)
	}

	for i := 0; i < 5; i++ {
		msg, ok := ob.Pop(context.Background())
		require.True(t, ok)
		require.Equal(t, KindAdaptationCommand, msg.Kind)
		assert.Equal(t, types.TransitionState(float64(i)/10), msg.Command.State)
	}
}

func TestHandler_AttachIsIdempotent(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 16)

	first := h.Attach("sess-a")
	again := h.Attach("sess-a")
	assert.Same(t, first, again, "a reconnecting client must see its pending messages")
}

func TestHandler_PushWithoutOutboxIsDropped(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 16)
	// Must not panic or block.
	h.PushCommand(command("never-attached"), types.PhasePractice)
	h.Notice("never-attached", types.ErrorNotice{SessionID: "never-attached"})
}

func TestOutbox_OverflowShedsOldestNonCritical(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 4)
	ob := h.Attach("sess-a")

	// Two snapshots, then enough commands to overflow.
	for i := 0; i < 2; i++ {
		ob.push(Outbound{Kind: KindStateSnapshot, Snapshot: &types.StateSnapshot{SessionID: "sess-a"}})
	}
	for i := 0; i < 4; i++ {
		cmd := command("sess-a")
		cmd.State = types.TransitionState(float64(i))
		h.PushCommand(cmd, types.PhasePractice)
	}

	// Both snapshots were shed; all four commands survive in order.
	var kinds []OutboundKind
	var states []types.TransitionState
	for ob.Len() > 0 {
		msg, ok := ob.Pop(context.Background())
		require.True(t, ok)
		kinds = append(kinds, msg.Kind)
		if msg.Kind == KindAdaptationCommand {
			states = append(states, msg.Command.State)
		}
	}
	assert.Equal(t, []OutboundKind{KindAdaptationCommand, KindAdaptationCommand, KindAdaptationCommand, KindAdaptationCommand}, kinds)
	assert.Equal(t, []types.TransitionState{0, 1, 2, 3}, states)
}

func TestOutbox_AllCriticalDropsOldest(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 3)
	ob := h.Attach("sess-a")

	for i := 0; i < 5; i++ {
		cmd := command("sess-a")
		cmd.State = types.TransitionState(float64(i))
		h.PushCommand(cmd, types.PhasePractice)
	}

	// Bounding memory wins: the oldest commands go, the newest never does.
	var states []types.TransitionState
	for ob.Len() > 0 {
		msg, _ := ob.Pop(context.Background())
		states = append(states, msg.Command.State)
	}
	assert.Equal(t, []types.TransitionState{2, 3, 4}, states)
}

func TestOutbox_PopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 4)
	ob := h.Attach("sess-a")

	got := make(chan Outbound, 1)
	go func() {
		msg, ok := ob.Pop(context.Background())
		if ok {
			got <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	h.PushCommand(command("sess-a"), types.PhasePractice)

	select {
	case msg := <-got:
		assert.Equal(t, KindAdaptationCommand, msg.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("Pop did not wake on push")
	}
}

func TestOutbox_PopHonorsContext(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 4)
	ob := h.Attach("sess-a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := ob.Pop(ctx)
	assert.False(t, ok)
}

func TestHandler_SessionClosedReleasesOutbox(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 4)
	ob := h.Attach("sess-a")
	h.PushCommand(command("sess-a"), types.PhasePractice)

	h.SessionClosed("sess-a")

	// Pending messages drain, then the outbox reports closed.
	msg, ok := ob.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, KindAdaptationCommand, msg.Kind)
	_, ok = ob.Pop(context.Background())
	assert.False(t, ok)

	// A fresh attach gets a new outbox.
	assert.NotSame(t, ob, h.Attach("sess-a"))
}

func TestHandler_SnapshotLoop(t *testing.T) {
	t.Parallel()
	h, sessions := newTestHandler(t, 8)
	enq := &noopEnqueuer{}
	h.BindScheduler(enq)

	sess := sessions.CreateSession()
	ob := h.Attach(sess.ID())
	require.NoError(t, sessions.UpdateSignals(sess.ID(), types.ModelSignalSet{
		Learner: 0.5, Knowledge: 0.5, Engagement: 0.5, Assessment: 0.5, CollectedAt: time.Now(),
	}))

	h.snapshotAll()

	msg, ok := ob.Pop(context.Background())
	require.True(t, ok)
	require.Equal(t, KindStateSnapshot, msg.Kind)
	assert.Equal(t, sess.ID(), msg.Snapshot.SessionID)
	assert.Equal(t, sess.Phase(), msg.Snapshot.Phase)

	// The loop also schedules a background re-evaluation for fresh signals.
	enq.mu.Lock()
	defer enq.mu.Unlock()
	assert.Equal(t, []string{sess.ID()}, enq.enqueued)
}

func TestHandler_SnapshotSkippedUnderBackpressure(t *testing.T) {
	t.Parallel()
	h, sessions := newTestHandler(t, 4)
	sess := sessions.CreateSession()
	ob := h.Attach(sess.ID())

	// Fill past half capacity.
	h.PushCommand(command(sess.ID()), types.PhasePractice)
	h.PushCommand(command(sess.ID()), types.PhasePractice)
	require.True(t, ob.congested())

	h.snapshotAll()
	assert.Equal(t, 2, ob.Len(), "no snapshot may be queued while congested")

	for i := 0; i < 2; i++ {
		msg, ok := ob.Pop(context.Background())
		require.True(t, ok)
		assert.Equal(t, KindAdaptationCommand, msg.Kind, fmt.Sprintf("message %d", i))
	}
}
