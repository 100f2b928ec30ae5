package artifacts

import (
	"encoding/json"

	"github.com/settld/substrate/pkg/chain"
)

// ProvenanceLabel is the optional `payload.provenance` block carried by a
// session event (spec §4.9).
type ProvenanceLabel struct {
	Label              string `json:"label"`
	IsTainted          bool   `json:"isTainted"`
	DerivedFromEventID string `json:"derivedFromEventId,omitempty"`
}

// ProvenanceTaintResult is the outcome of recomputing taint propagation
// over a session's event chain.
type ProvenanceTaintResult struct {
	Summary    ProvenanceSummary
	Mismatches []int // event indexes whose declared taint disagrees with the recomputed taint
}

// VerifyProvenanceTaint recomputes taint propagation independently of
// whatever each event declares: once any event in the session is tainted,
// every subsequent event is tainted and carries derivedFromEventId of the
// nearest tainted ancestor. Any declared value that disagrees with the
// recomputation is recorded as a mismatch (spec §4.9).
func VerifyProvenanceTaint(events []*chain.Event) ProvenanceTaintResult {
	result := ProvenanceTaintResult{Summary: ProvenanceSummary{OK: true}}

	nearestTaintedID := ""
	tainted := false
	for i, e := range events {
		declared := extractProvenance(e.Payload)

		expectedTainted := tainted || (declared != nil && declared.IsTainted)
		expectedDerivedFrom := ""
		if tainted {
			expectedDerivedFrom = nearestTaintedID
		} else if declared != nil && declared.IsTainted {
			expectedDerivedFrom = ""
		}

		result.Summary.VerifiedEventCount++
		if expectedTainted {
			result.Summary.TaintedEventCount++
		}

		if declared != nil {
			if declared.IsTainted != expectedTainted || (expectedTainted && tainted && declared.DerivedFromEventID != expectedDerivedFrom) {
				result.Mismatches = append(result.Mismatches, i)
				result.Summary.OK = false
			}
		} else if expectedTainted {
			// a tainted event with no declared provenance block is itself a mismatch
			result.Mismatches = append(result.Mismatches, i)
			result.Summary.OK = false
		}

		if expectedTainted {
			tainted = true
			nearestTaintedID = e.ID
		}
	}

	return result
}

func extractProvenance(payload interface{}) *ProvenanceLabel {
	if payload == nil {
		return nil
	}
	bytes, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var wrapper struct {
		Provenance *ProvenanceLabel `json:"provenance"`
	}
	if err := json.Unmarshal(bytes, &wrapper); err != nil {
		return nil
	}
	return wrapper.Provenance
}
