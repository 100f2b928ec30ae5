package artifacts

import (
	"testing"

	"github.com/settld/substrate/pkg/crypto"
	"github.com/stretchr/testify/require"
)

func TestBuildAndVerifySessionReplayPack(t *testing.T) {
	events := chainEvents(t, "session-1", []interface{}{
		map[string]interface{}{"text": "hi"},
		map[string]interface{}{"text": "there"},
	})

	signer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	trust := crypto.NewTrustFile()
	trust.Add(crypto.RoleBuyerDecision, crypto.NamedKey{KeyID: signer.KeyID, PublicKeyPEM: signer.PublicKeyPEM})

	pack, err := BuildSessionReplayPack("session-1", events, fixedNow, signer)
	require.NoError(t, err)
	require.NotEmpty(t, pack.Signature)

	result := VerifyReplayPack(pack, trust)
	require.True(t, result.OK, result.Errors)
}

func TestVerifyReplayPack_RejectsUntrustedSigner(t *testing.T) {
	events := chainEvents(t, "session-1", []interface{}{map[string]interface{}{"text": "hi"}})

	signer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	pack, err := BuildSessionReplayPack("session-1", events, fixedNow, signer)
	require.NoError(t, err)

	emptyTrust := crypto.NewTrustFile()
	result := VerifyReplayPack(pack, emptyTrust)
	require.False(t, result.OK)
}

func TestVerifyReplayPack_DetectsTamperedEvent(t *testing.T) {
	events := chainEvents(t, "session-1", []interface{}{
		map[string]interface{}{"text": "a"},
		map[string]interface{}{"text": "b"},
	})

	pack, err := BuildSessionReplayPack("session-1", events, fixedNow, nil)
	require.NoError(t, err)

	// tamper an event payload after hashing; chain verification must fail closed
	pack.PackCore.Events[0].Payload = map[string]interface{}{"text": "tampered"}

	result := VerifyReplayPack(pack, nil)
	require.False(t, result.OK)
}

func TestBuildAndVerifySessionTranscript(t *testing.T) {
	events := chainEvents(t, "session-1", []interface{}{map[string]interface{}{"text": "hi"}})
	pack, err := BuildSessionReplayPack("session-1", events, fixedNow, nil)
	require.NoError(t, err)

	transcript, err := BuildSessionTranscript("sha256:sessionhash", pack, fixedNow)
	require.NoError(t, err)

	result := VerifyTranscript(transcript, pack)
	require.True(t, result.OK, result.Errors)
}

func TestVerifyTranscript_DetectsEventCountDrift(t *testing.T) {
	events := chainEvents(t, "session-1", []interface{}{map[string]interface{}{"text": "hi"}})
	pack, err := BuildSessionReplayPack("session-1", events, fixedNow, nil)
	require.NoError(t, err)

	transcript, err := BuildSessionTranscript("sha256:sessionhash", pack, fixedNow)
	require.NoError(t, err)
	transcript.TranscriptCore.EventCount = 99
	transcript.TranscriptHash, err = HashCore(transcript.TranscriptCore)
	require.NoError(t, err)

	result := VerifyTranscript(transcript, pack)
	require.False(t, result.OK)
}

func TestBuildSessionReplayPack_EmptySession(t *testing.T) {
	pack, err := BuildSessionReplayPack("session-empty", nil, fixedNow, nil)
	require.NoError(t, err)
	require.Nil(t, pack.PackCore.HeadChainHash)

	result := VerifyReplayPack(pack, nil)
	require.True(t, result.OK, result.Errors)
}
