// Package session implements the multi-agent session substrate: a session
// holds its participants and policy references, and every state change
// inside it is appended to pkg/chain as a SessionEvent.v1, the same way
// every other domain in this module represents history (spec §4.9). This
// package is the lifecycle layer around the already hash-bound
// pkg/artifacts session replay pack and transcript: it owns appending
// events and building those artifacts on demand, not their internal
// shape.
package session

import (
	"context"
	"time"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/artifacts"
	"github.com/settld/substrate/pkg/chain"
	"github.com/settld/substrate/pkg/crypto"
	"github.com/settld/substrate/pkg/store"
)

const SessionEventType = "SessionEvent.v1"

// ParticipantRef identifies one agent taking part in a session.
type ParticipantRef struct {
	AgentID string `json:"agentId"`
	Role    string `json:"role"`
}

// PolicyRef points at the autonomy/budget policy bound to this session,
// carried as an opaque reference since policy resolution lives outside
// this package.
type PolicyRef struct {
	PolicyID string `json:"policyId"`
	Version  string `json:"version,omitempty"`
}

// Session is the in-memory handle a caller uses to append session events
// through the stream named sessionId and assemble replay artifacts from
// the resulting chain.
type Session struct {
	TenantID     string
	ID           string
	Participants []ParticipantRef
	Policy       PolicyRef
	Signer       *crypto.KeyPair
}

// New starts a session. It does not append an event itself — Open does,
// so that "session created" is represented the same way every other
// state change is: as a chained event, not implicit construction.
func New(tenantID, sessionID string, participants []ParticipantRef, policy PolicyRef, signer *crypto.KeyPair) *Session {
	return &Session{TenantID: tenantID, ID: sessionID, Participants: participants, Policy: policy, Signer: signer}
}

type sessionOpenedPayload struct {
	Participants []ParticipantRef `json:"participants"`
	Policy       PolicyRef        `json:"policy"`
}

// Open appends the session's opening SessionEvent.v1.
func (s *Session) Open(ctx context.Context, st store.Store, actor chain.Actor) (*chain.AppendResult, error) {
	return s.appendEvent(ctx, st, actor, sessionOpenedPayload{Participants: s.Participants, Policy: s.Policy}, "")
}

// AppendEvent appends an arbitrary domain payload to the session's chain,
// e.g. tool calls, decisions, or x402 gate references surfaced inside the
// session. idempotencyKey is optional.
func (s *Session) AppendEvent(ctx context.Context, st store.Store, actor chain.Actor, payload interface{}, idempotencyKey string) (*chain.AppendResult, error) {
	return s.appendEvent(ctx, st, actor, payload, idempotencyKey)
}

func (s *Session) appendEvent(ctx context.Context, st store.Store, actor chain.Actor, payload interface{}, idempotencyKey string) (*chain.AppendResult, error) {
	draft, err := chain.CreateChainedEvent(s.ID, SessionEventType, actor, payload, nil)
	if err != nil {
		return nil, err
	}

	snapshot, err := st.GetStreamSnapshot(ctx, s.TenantID, s.ID)
	if err != nil {
		return nil, err
	}

	finalized, err := chain.FinalizeChainedEvent(draft, snapshot.LastChainHash, s.Signer)
	if err != nil {
		return nil, err
	}

	return chain.AppendChainedEvent(ctx, st, s.TenantID, s.ID, finalized, snapshot.LastChainHash, idempotencyKey)
}

// LoadEvents reads the session's full event history in chain order.
func LoadEvents(ctx context.Context, st store.Store, tenantID, sessionID string) ([]*chain.Event, error) {
	events := []*chain.Event{}
	cursor := ""
	for {
		page, err := st.ListEvents(ctx, tenantID, sessionID, cursor, 500)
		if err != nil {
			return nil, err
		}
		events = append(events, page.Events...)
		if !page.HasMore || len(page.Events) == 0 {
			break
		}
		cursor = page.Events[len(page.Events)-1].ID
	}
	return events, nil
}

// BuildReplayPack loads the session's full history and folds it into a
// signed SessionReplayPack.v1 (spec §4.9).
func BuildReplayPack(ctx context.Context, st store.Store, tenantID, sessionID string, now time.Time, signer *crypto.KeyPair) (*artifacts.SessionReplayPack, error) {
	events, err := LoadEvents(ctx, st, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	return artifacts.BuildSessionReplayPack(sessionID, events, now, signer)
}

// BuildTranscript produces a SessionTranscript.v1 bound to a replay pack,
// with sessionHash computed over the pack's own core so the transcript
// can be distributed independently of the full event list.
func BuildTranscript(pack *artifacts.SessionReplayPack, now time.Time) (*artifacts.SessionTranscript, error) {
	sessionHash, err := artifacts.HashCore(pack.PackCore)
	if err != nil {
		return nil, err
	}
	return artifacts.BuildSessionTranscript(sessionHash, pack, now)
}

// VerifySession independently reverifies a replay pack and, if supplied,
// its transcript, returning a single merged report.
func VerifySession(pack *artifacts.SessionReplayPack, transcript *artifacts.SessionTranscript, trust *crypto.TrustFile) *apierr.Report {
	r := apierr.NewReport()
	r.Merge(artifacts.VerifyReplayPack(pack, trust))
	if transcript != nil {
		r.Merge(artifacts.VerifyTranscript(transcript, pack))
	}
	return r
}
