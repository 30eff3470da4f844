package harvest

import (
	"context"

	"github.com/Sternrassler/catalog-harvester/pkg/model"
)

// Sink is the storage collaborator of a run.
//
// Implementations must make Upsert idempotent: repeating an identical write
// leaves state unchanged and reports changed=false.
type Sink interface {
	// ListIdentifiers returns known identifiers whose name does not match
	// excludePattern. An empty pattern excludes nothing.
	ListIdentifiers(ctx context.Context, excludePattern string) ([]model.Identifier, error)

	// ListPresent returns the IDs with a usable payload for aspect.
	// model.AspectNoData lists IDs with a recorded empty attempt.
	ListPresent(ctx context.Context, aspect model.Aspect) (model.IDSet, error)

	// Upsert stores payload for (id, aspect).
	Upsert(ctx context.Context, id model.ID, aspect model.Aspect, payload model.Payload) (changed bool, err error)

	// RecordEmptyAttempt increments the no-data counter of id and returns the
	// new count. It never touches stored payloads.
	RecordEmptyAttempt(ctx context.Context, id model.ID) (tries int, err error)

	// EmptyAttempts returns the no-data counter of every marked ID.
	EmptyAttempts(ctx context.Context) (map[model.ID]int, error)

	// UpsertIdentifiers inserts new identifiers and refreshes names of known
	// ones. ObservedAt is only written on insert.
	UpsertIdentifiers(ctx context.Context, idents []model.Identifier) (inserted int, err error)
}
