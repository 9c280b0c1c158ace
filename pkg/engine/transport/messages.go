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
	"fmt"
	"time"

	"github.com/Seth-arc/malloc-sub007/pkg/engine/streaming"
	"github.com/Seth-arc/malloc-sub007/pkg/engine/types"
	errutil "github.com/Seth-arc/malloc-sub007/pkg/engine/util/error"
)

// MessageType discriminates the envelope variants on the wire.
type MessageType string

const (
	// Client to engine.
	TypeSignalUpdate MessageType = "signal_update"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeDisconnect   MessageType = "disconnect"

	// Engine to client.
	TypeSessionEstablished MessageType = "session_established"
	TypeAdaptationCommand  MessageType = "adaptation_command"
	TypeStateSnapshot      MessageType = "state_snapshot"
	TypeErrorNotice        MessageType = "error_notice"
)

// Envelope is the framing for every WebSocket message in both directions.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// signalUpdate is the inbound reading from the upstream learner models. Score
// fields are pointers so an absent score is distinguishable from an explicit
// 0.0: every score and the timestamp are required, and a partial reading is
// rejected rather than padded with zeros. The optional phase field lets the
// learning platform advance the session's learning event phase alongside a
// reading.
type signalUpdate struct {
	Learner     *float64   `json:"learnerScore"`
	Knowledge   *float64   `json:"knowledgeScore"`
	Engagement  *float64   `json:"engagementScore"`
	Assessment  *float64   `json:"assessmentScore"`
	CollectedAt *time.Time `json:"timestamp"`
	Phase       string     `json:"phase,omitempty"`
}

// signals materializes the complete reading, failing on any missing field.
func (u signalUpdate) signals() (types.ModelSignalSet, error) {
	required := []struct {
		field string
		ok    bool
	}{
		{"learnerScore", u.Learner != nil},
		{"knowledgeScore", u.Knowledge != nil},
		{"engagementScore", u.Engagement != nil},
		{"assessmentScore", u.Assessment != nil},
		{"timestamp", u.CollectedAt != nil},
	}
	for _, r := range required {
		if !r.ok {
			return types.ModelSignalSet{}, errutil.Error{
				Code: errutil.InvalidInput,
				Msg:  fmt.Sprintf("signal_update is missing required field %q", r.field),
			}
		}
	}
	return types.ModelSignalSet{
		Learner:     *u.Learner,
		Knowledge:   *u.Knowledge,
		Engagement:  *u.Engagement,
		Assessment:  *u.Assessment,
		CollectedAt: *u.CollectedAt,
	}, nil
}

// sessionEstablished is the first message on every connection, new or
// resumed.
type sessionEstablished struct {
	SessionID string                   `json:"sessionId"`
	State     types.TransitionState    `json:"transitionState"`
	Phase     types.LearningEventPhase `json:"phase"`
	Resumed   bool                     `json:"resumed"`
}

// encodeOutbound converts an engine-side outbound message into its wire
// envelope.
func encodeOutbound(msg streaming.Outbound) (Envelope, error) {
	var (
		typ     MessageType
		payload any
	)
	switch msg.Kind {
	case streaming.KindAdaptationCommand:
		typ, payload = TypeAdaptationCommand, msg.Command
	case streaming.KindStateSnapshot:
		typ, payload = TypeStateSnapshot, msg.Snapshot
	case streaming.KindErrorNotice:
		typ, payload = TypeErrorNotice, msg.Notice
	default:
		return Envelope{}, fmt.Errorf("unknown outbound message kind %q", msg.Kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}
