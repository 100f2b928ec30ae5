package apierr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReport_StartsOK(t *testing.T) {
	r := NewReport()
	require.True(t, r.OK)
	require.Empty(t, r.Errors)
}

func TestReport_FailFlipsOK(t *testing.T) {
	r := NewReport()
	r.Fail(SchemaInvalid, "$.core.v", "expected integer")
	require.False(t, r.OK)
	require.Len(t, r.Errors, 1)
	require.Equal(t, SchemaInvalid, r.Errors[0].Code)
}

func TestReport_WarnDoesNotFlipOK(t *testing.T) {
	r := NewReport()
	r.Warn(SchemaInvalid, "$.core.v", "deprecated field present")
	require.True(t, r.OK)
	require.Len(t, r.Warnings, 1)
}

func TestReport_MergePropagatesFailure(t *testing.T) {
	a := NewReport()
	b := NewReport()
	b.Fail(ArtifactHashMismatch, "$.coreHash", "mismatch")

	a.Merge(b)
	require.False(t, a.OK)
	require.Len(t, a.Errors, 1)
}

func TestHTTPStatusForCode(t *testing.T) {
	require.Equal(t, 409, HTTPStatusForCode(OptimisticConcurrencyConflict))
	require.Equal(t, 410, HTTPStatusForCode(X402AgentSuspended))
	require.Equal(t, 429, HTTPStatusForCode(X402AgentThrottled))
	require.Equal(t, 400, HTTPStatusForCode(SchemaInvalid))
}
