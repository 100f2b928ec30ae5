package artifacts

import (
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/settld/substrate/pkg/apierr"
)

const SchemaProtocolCompatibilityMatrixReportV1 = "ProtocolCompatibilityMatrixReport.v1"

// ClientConstraint is one client's declared protocol version requirement.
type ClientConstraint struct {
	ClientID   string `json:"clientId"`
	Constraint string `json:"constraint"` // semver range, e.g. ">=1.2.0, <2.0.0"
}

// CompatibilityResult records whether one client's constraint admits the
// server's protocol version.
type CompatibilityResult struct {
	ClientID   string `json:"clientId"`
	Constraint string `json:"constraint"`
	Compatible bool   `json:"compatible"`
	Reason     string `json:"reason,omitempty"`
}

// ProtocolCompatibilityMatrixReportCore is the hash-bound outcome of
// checking every declared client constraint against the server's current
// protocol version.
type ProtocolCompatibilityMatrixReportCore struct {
	ServerProtocolVersion string                 `json:"serverProtocolVersion"`
	Results               []CompatibilityResult `json:"results"`
	AllCompatible         bool                   `json:"allCompatible"`
}

type ProtocolCompatibilityMatrixReport struct {
	Wrapper
	MatrixCore ProtocolCompatibilityMatrixReportCore `json:"matrixCore"`
	MatrixHash string                                `json:"matrixHash"`
}

// BuildProtocolCompatibilityMatrixReport checks each client's semver
// constraint against serverProtocolVersion and folds the per-client
// results into a hash-bound report.
func BuildProtocolCompatibilityMatrixReport(serverProtocolVersion string, clients []ClientConstraint, now time.Time) (*ProtocolCompatibilityMatrixReport, error) {
	serverVersion, err := semver.NewVersion(serverProtocolVersion)
	if err != nil {
		return nil, err
	}

	results := make([]CompatibilityResult, 0, len(clients))
	allCompatible := true
	for _, c := range clients {
		constraint, err := semver.NewConstraint(c.Constraint)
		if err != nil {
			results = append(results, CompatibilityResult{ClientID: c.ClientID, Constraint: c.Constraint, Compatible: false, Reason: "invalid constraint: " + err.Error()})
			allCompatible = false
			continue
		}
		ok := constraint.Check(serverVersion)
		if !ok {
			allCompatible = false
		}
		results = append(results, CompatibilityResult{ClientID: c.ClientID, Constraint: c.Constraint, Compatible: ok})
	}

	core := ProtocolCompatibilityMatrixReportCore{
		ServerProtocolVersion: serverVersion.String(),
		Results:               results,
		AllCompatible:         allCompatible,
	}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &ProtocolCompatibilityMatrixReport{
		Wrapper:    Wrapper{SchemaVersion: SchemaProtocolCompatibilityMatrixReportV1, GeneratedAt: now},
		MatrixCore: core,
		MatrixHash: hash,
	}, nil
}

func VerifyProtocolCompatibilityMatrixReport(report *ProtocolCompatibilityMatrixReport) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaProtocolCompatibilityMatrixReportV1, report.SchemaVersion)
	CheckHashBinding(r, "$.matrixHash", report.MatrixCore, report.MatrixHash)
	return r
}
