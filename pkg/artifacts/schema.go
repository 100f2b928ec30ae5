package artifacts

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/settld/substrate/pkg/apierr"
)

// coreSchemas holds the raw JSON Schema text for every Core type that gets
// shape-validated before its hash is computed. Schemas are intentionally
// shallow — required fields and top-level types — rather than an exhaustive
// grammar; the hash-binding check in CheckHashBinding is what actually
// proves a core wasn't tampered with, this just catches a malformed core
// before it's ever hashed and persisted.
var coreSchemas = map[string]string{
	SchemaX402GateV1: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["gateId", "tenantId", "payerAgentId", "payeeAgentId", "amountCents", "currency", "policy", "state"],
		"properties": {
			"gateId": {"type": "string", "minLength": 1},
			"tenantId": {"type": "string", "minLength": 1},
			"payerAgentId": {"type": "string", "minLength": 1},
			"payeeAgentId": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 0},
			"currency": {"type": "string", "minLength": 1},
			"policy": {"type": "object"},
			"state": {"type": "string", "enum": ["created", "authorized", "verified", "resolved", "reversed"]}
		}
	}`,
	SchemaX402SettlementV1: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["receiptId", "gateId", "releasedAmountCents", "refundedAmountCents", "decisionRef"],
		"properties": {
			"receiptId": {"type": "string", "minLength": 1},
			"gateId": {"type": "string", "minLength": 1},
			"releasedAmountCents": {"type": "integer", "minimum": 0},
			"refundedAmountCents": {"type": "integer", "minimum": 0},
			"decisionRef": {"type": "object", "required": ["decisionId"]}
		}
	}`,
	SchemaX402DecisionV1: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["decisionId", "gateId", "runStatus", "verificationStatus"],
		"properties": {
			"decisionId": {"type": "string", "minLength": 1},
			"gateId": {"type": "string", "minLength": 1},
			"runStatus": {"type": "string", "minLength": 1},
			"verificationStatus": {"type": "string", "minLength": 1}
		}
	}`,
	SchemaWorkOrderV1: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["workOrderId", "tenantId", "buyerId", "sellerId", "state", "amountCents", "currency"],
		"properties": {
			"workOrderId": {"type": "string", "minLength": 1},
			"tenantId": {"type": "string", "minLength": 1},
			"buyerId": {"type": "string", "minLength": 1},
			"sellerId": {"type": "string", "minLength": 1},
			"state": {"type": "string", "enum": ["created", "accepted", "in_progress", "completed", "settled", "failed"]},
			"amountCents": {"type": "integer", "minimum": 0},
			"currency": {"type": "string", "minLength": 1}
		}
	}`,
	SchemaCompletionReceiptV1: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["workOrderId", "meterDigest"],
		"properties": {
			"workOrderId": {"type": "string", "minLength": 1},
			"meterDigest": {"type": "string", "minLength": 1},
			"evidenceRefs": {"type": ["array", "null"]}
		}
	}`,
	SchemaWorkOrderMeteringSnapshotV1: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["workOrderId", "baseAmountCents", "topUps", "topUpTotalCents", "coveredAmountCents", "maxCostCents", "remainingCents"],
		"properties": {
			"workOrderId": {"type": "string", "minLength": 1},
			"baseAmountCents": {"type": "integer", "minimum": 0},
			"topUps": {"type": ["array", "null"]},
			"topUpTotalCents": {"type": "integer"},
			"coveredAmountCents": {"type": "integer"},
			"maxCostCents": {"type": "integer"},
			"remainingCents": {"type": "integer", "minimum": 0}
		}
	}`,
	SchemaSessionReplayPackV1: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["sessionId", "events", "eventCount", "verification"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"events": {"type": ["array", "null"]},
			"eventCount": {"type": "integer", "minimum": 0},
			"verification": {"type": "object", "required": ["chainOk", "verifiedEventCount", "provenance"]}
		}
	}`,
	SchemaSessionTranscriptV1: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["sessionId", "sessionHash", "eventCount"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"sessionHash": {"type": "string", "minLength": 1},
			"eventCount": {"type": "integer", "minimum": 0}
		}
	}`,
	SchemaRunReportV1: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["generatedBy", "totalCases", "passCount", "failCount", "cases"],
		"properties": {
			"generatedBy": {"type": "string", "minLength": 1},
			"totalCases": {"type": "integer", "minimum": 0},
			"passCount": {"type": "integer", "minimum": 0},
			"failCount": {"type": "integer", "minimum": 0},
			"cases": {"type": ["array", "null"]}
		}
	}`,
	SchemaCertBundleV1: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["reportCore", "certifiedBy", "verdict"],
		"properties": {
			"reportCore": {"type": "object"},
			"certifiedBy": {"type": "string", "minLength": 1},
			"verdict": {"type": "string", "enum": ["pass", "fail"]}
		}
	}`,
}

var (
	compiledSchemasOnce sync.Once
	compiledSchemas     map[string]*jsonschema.Schema
	compiledSchemasErr  error
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	for name, src := range coreSchemas {
		url := fmt.Sprintf("https://schemas.settld.dev/artifacts/%s.schema.json", name)
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			compiledSchemasErr = fmt.Errorf("artifacts: load schema %s: %w", name, err)
			return
		}
	}
	compiledSchemas = make(map[string]*jsonschema.Schema, len(coreSchemas))
	for name := range coreSchemas {
		url := fmt.Sprintf("https://schemas.settld.dev/artifacts/%s.schema.json", name)
		schema, err := compiler.Compile(url)
		if err != nil {
			compiledSchemasErr = fmt.Errorf("artifacts: compile schema %s: %w", name, err)
			return
		}
		compiledSchemas[name] = schema
	}
}

// ValidateCoreSchema validates core's JSON shape against the named
// artifact's registered schema before its hash is computed, returning a
// SCHEMA_INVALID error on the first violation encountered. A schemaName
// with no registered schema is a no-op (not every artifact family carries
// a JSON Schema — see DESIGN.md).
func ValidateCoreSchema(schemaName string, core interface{}) *apierr.CodedError {
	compiledSchemasOnce.Do(compileSchemas)
	if compiledSchemasErr != nil {
		return apierr.New(apierr.SchemaInvalid, compiledSchemasErr.Error())
	}
	schema, ok := compiledSchemas[schemaName]
	if !ok {
		return nil
	}

	raw, err := json.Marshal(core)
	if err != nil {
		return apierr.New(apierr.SchemaInvalid, fmt.Sprintf("marshal core for schema validation: %v", err))
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apierr.New(apierr.SchemaInvalid, fmt.Sprintf("decode core for schema validation: %v", err))
	}

	if err := schema.Validate(doc); err != nil {
		return apierr.New(apierr.SchemaInvalid, fmt.Sprintf("%s: %v", schemaName, err)).WithDetails(map[string]interface{}{
			"schema": schemaName,
		})
	}
	return nil
}
