package artifacts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildProtocolCompatibilityMatrixReport_AllCompatible(t *testing.T) {
	report, err := BuildProtocolCompatibilityMatrixReport("1.3.0", []ClientConstraint{
		{ClientID: "cli-a", Constraint: ">=1.0.0, <2.0.0"},
		{ClientID: "cli-b", Constraint: "^1.2.0"},
	}, fixedNow)
	require.NoError(t, err)
	require.True(t, report.MatrixCore.AllCompatible)
	require.True(t, VerifyProtocolCompatibilityMatrixReport(report).OK)
}

func TestBuildProtocolCompatibilityMatrixReport_FlagsIncompatibleClient(t *testing.T) {
	report, err := BuildProtocolCompatibilityMatrixReport("2.0.0", []ClientConstraint{
		{ClientID: "cli-old", Constraint: "<2.0.0"},
	}, fixedNow)
	require.NoError(t, err)
	require.False(t, report.MatrixCore.AllCompatible)
	require.False(t, report.MatrixCore.Results[0].Compatible)
}

func TestBuildProtocolCompatibilityMatrixReport_RejectsInvalidServerVersion(t *testing.T) {
	_, err := BuildProtocolCompatibilityMatrixReport("not-a-version", nil, fixedNow)
	require.Error(t, err)
}

func TestBuildProtocolCompatibilityMatrixReport_RecordsInvalidClientConstraintAsIncompatible(t *testing.T) {
	report, err := BuildProtocolCompatibilityMatrixReport("1.0.0", []ClientConstraint{
		{ClientID: "cli-broken", Constraint: "not-a-constraint"},
	}, fixedNow)
	require.NoError(t, err)
	require.False(t, report.MatrixCore.AllCompatible)
	require.False(t, report.MatrixCore.Results[0].Compatible)
	require.NotEmpty(t, report.MatrixCore.Results[0].Reason)
}
