// Package verifycli holds the artifact-kind dispatch table shared by
// settld-verify and settld-conform: both need to peek an artifact's
// schemaVersion, decode it into the matching concrete type, and run its
// paired Verify function, but they differ in how they surface the result
// (a single CLI report vs. a conformance case outcome).
package verifycli

import (
	"encoding/json"
	"fmt"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/artifacts"
	"github.com/settld/substrate/pkg/config"
)

// PeekSchemaVersion reads the top-level schemaVersion field common to
// every artifact wrapper without needing to know the concrete type yet.
func PeekSchemaVersion(raw []byte) (string, error) {
	var peek struct {
		SchemaVersion string `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return "", fmt.Errorf("decode artifact: %w", err)
	}
	if peek.SchemaVersion == "" {
		return "", fmt.Errorf("artifact has no schemaVersion field")
	}
	return peek.SchemaVersion, nil
}

// VerifyBySchemaVersion decodes raw into the concrete type schemaVersion
// names and runs the matching verifier. Schemas that cross-validate
// against a second artifact (CertBundle, X402SettlementReceipt,
// CloseBundle, SessionTranscript) take it as companion; a nil companion
// skips the cross-artifact check. SessionReplayPack instead verifies
// against the process's loaded trust file.
func VerifyBySchemaVersion(schemaVersion string, raw, companion []byte) (*apierr.Report, error) {
	switch schemaVersion {
	case artifacts.SchemaRunReportV1:
		var a artifacts.RunReport
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyRunReport(&a), nil

	case artifacts.SchemaCertBundleV1:
		var a artifacts.CertBundle
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		var standalone *artifacts.RunReport
		if companion != nil {
			standalone = &artifacts.RunReport{}
			if err := json.Unmarshal(companion, standalone); err != nil {
				return nil, err
			}
		}
		return artifacts.VerifyCertBundle(&a, standalone), nil

	case artifacts.SchemaJobProofBundleV1:
		var a artifacts.JobProofBundle
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyJobProofBundle(&a), nil

	case artifacts.SchemaInvoiceBundleV1:
		var a artifacts.InvoiceBundle
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyInvoiceBundle(&a), nil

	case artifacts.SchemaMonthProofV1:
		var a artifacts.MonthProofBundle
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyMonthProofBundle(&a), nil

	case artifacts.SchemaFinancePackV1:
		var a artifacts.FinancePack
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyFinancePack(&a), nil

	case artifacts.SchemaCloseReportV1:
		var a artifacts.CloseReport
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyCloseReport(&a), nil

	case artifacts.SchemaCloseBundleV1:
		var a artifacts.CloseBundle
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		var standalone *artifacts.CloseReport
		if companion != nil {
			standalone = &artifacts.CloseReport{}
			if err := json.Unmarshal(companion, standalone); err != nil {
				return nil, err
			}
		}
		return artifacts.VerifyCloseBundle(&a, standalone), nil

	case artifacts.SchemaClosePackV1:
		var a artifacts.ClosePack
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyClosePack(&a), nil

	case artifacts.SchemaWorkOrderV1:
		var a artifacts.WorkOrder
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyWorkOrder(&a), nil

	case artifacts.SchemaCompletionReceiptV1:
		var a artifacts.CompletionReceipt
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyCompletionReceipt(&a), nil

	case artifacts.SchemaWorkOrderMeteringSnapshotV1:
		var a artifacts.WorkOrderMeteringSnapshot
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyWorkOrderMeteringSnapshot(&a), nil

	case artifacts.SchemaX402GateV1:
		var a artifacts.X402Gate
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyX402Gate(&a), nil

	case artifacts.SchemaX402SettlementV1:
		var a artifacts.X402Settlement
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		var gate *artifacts.X402Gate
		if companion != nil {
			gate = &artifacts.X402Gate{}
			if err := json.Unmarshal(companion, gate); err != nil {
				return nil, err
			}
		}
		return artifacts.VerifyX402Settlement(&a, gate), nil

	case artifacts.SchemaX402DecisionV1:
		var a artifacts.X402DecisionTrace
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyX402DecisionTrace(&a), nil

	case artifacts.SchemaSessionReplayPackV1:
		var a artifacts.SessionReplayPack
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyReplayPack(&a, config.Load().Trust), nil

	case artifacts.SchemaSessionTranscriptV1:
		var a artifacts.SessionTranscript
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		var pack *artifacts.SessionReplayPack
		if companion != nil {
			pack = &artifacts.SessionReplayPack{}
			if err := json.Unmarshal(companion, pack); err != nil {
				return nil, err
			}
		}
		return artifacts.VerifyTranscript(&a, pack), nil

	case artifacts.SchemaProtocolCompatibilityMatrixReportV1:
		var a artifacts.ProtocolCompatibilityMatrixReport
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return artifacts.VerifyProtocolCompatibilityMatrixReport(&a), nil

	default:
		return nil, fmt.Errorf("unsupported schemaVersion %q", schemaVersion)
	}
}
