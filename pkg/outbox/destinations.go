package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/settld/substrate/pkg/store"
)

// StorePayloadLoader loads the outbox delivery body from an already
// persisted artifact record (spec §4.7: outbox entries reference an
// artifact, not a copy of its bytes).
type StorePayloadLoader struct {
	Store store.Store
}

// Load fetches the artifact's stored RawJSON and decodes it into a generic
// value; the worker re-canonicalizes it before signing, so decoding into
// interface{} rather than a concrete type is sufficient here.
func (l *StorePayloadLoader) Load(ctx context.Context, tenantID, artifactType, artifactID string) (interface{}, error) {
	record, err := l.Store.GetArtifact(ctx, tenantID, artifactType, artifactID)
	if err != nil {
		return nil, fmt.Errorf("outbox: load artifact %s/%s: %w", artifactType, artifactID, err)
	}
	var payload interface{}
	if err := json.Unmarshal(record.RawJSON, &payload); err != nil {
		return nil, fmt.Errorf("outbox: decode artifact %s/%s: %w", artifactType, artifactID, err)
	}
	return payload, nil
}

// StaticDestinationResolver resolves destinations from a fixed, boot-time
// registered map, the way pkg/config's trust file is a fixed boot-time
// registration of keys rather than a mutable runtime API.
type StaticDestinationResolver struct {
	destinations map[string]Destination
}

// NewStaticDestinationResolver builds a resolver from a name-to-destination
// map, typically decoded from the SETTLD_WEBHOOK_DESTINATIONS_JSON env var
// (a JSON array of {id,url,secret}).
func NewStaticDestinationResolver(destinations []Destination) *StaticDestinationResolver {
	byID := make(map[string]Destination, len(destinations))
	for _, d := range destinations {
		byID[d.ID] = d
	}
	return &StaticDestinationResolver{destinations: byID}
}

// Resolve implements DestinationResolver.
func (r *StaticDestinationResolver) Resolve(ctx context.Context, destinationID string) (*Destination, error) {
	dest, ok := r.destinations[destinationID]
	if !ok {
		return nil, fmt.Errorf("outbox: unknown destination %q", destinationID)
	}
	return &dest, nil
}

// ParseDestinationsJSON decodes the SETTLD_WEBHOOK_DESTINATIONS_JSON env
// var's `[{"id":...,"url":...,"secret":...}]` shape.
func ParseDestinationsJSON(data []byte) ([]Destination, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var destinations []Destination
	if err := json.Unmarshal(data, &destinations); err != nil {
		return nil, fmt.Errorf("outbox: parse destinations json: %w", err)
	}
	return destinations, nil
}
