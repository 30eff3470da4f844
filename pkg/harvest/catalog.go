package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/catalog-harvester/pkg/fetcher"
	"github.com/Sternrassler/catalog-harvester/pkg/logging"
	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var harvestCatalogInserted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "harvest_catalog_identifiers_inserted_total",
	Help: "Total identifiers discovered by catalog refreshes",
})

// ErrNoCatalog is returned by RefreshCatalog when no catalog is configured.
var ErrNoCatalog = errors.New("no catalog configured")

// RefreshCatalog fetches the identifier list and upserts it into the sink.
// Entries without an identifier are skipped.
func (r *Runner) RefreshCatalog(ctx context.Context) (CatalogResult, error) {
	spec := r.config.Catalog
	if spec == nil {
		return CatalogResult{}, ErrNoCatalog
	}

	out := r.fetcher.Fetch(ctx, fetcher.Request{
		Endpoint: "catalog",
		URL:      spec.URL,
		Params:   spec.Params,
		Kind:     model.KindJSON,
		DataPath: spec.ItemsPath,
	})
	switch out.Kind {
	case fetcher.OutcomeSuccess:
	case fetcher.OutcomeEmpty:
		return CatalogResult{}, fmt.Errorf("catalog returned no entries at %q", spec.ItemsPath)
	default:
		return CatalogResult{}, fmt.Errorf("fetch catalog: %w", out.Err)
	}

	idents, err := parseCatalog(out.Payload, *spec, r.now())
	if err != nil {
		return CatalogResult{}, err
	}

	inserted, err := r.sink.UpsertIdentifiers(ctx, idents)
	if err != nil {
		return CatalogResult{Listed: len(idents)}, fmt.Errorf("upsert identifiers: %w", err)
	}
	harvestCatalogInserted.Add(float64(inserted))

	logging.FromContext(ctx, r.logger).Info().
		Int("listed", len(idents)).
		Int("inserted", inserted).
		Msg("Catalog refreshed")

	return CatalogResult{Listed: len(idents), Inserted: inserted}, nil
}

// parseCatalog extracts identifiers from the fetched entry array. Duplicate
// IDs keep their first entry.
func parseCatalog(p model.Payload, spec model.CatalogSpec, now time.Time) ([]model.Identifier, error) {
	items, ok := p.Data["items"].([]any)
	if !ok {
		return nil, fmt.Errorf("catalog entries at %q are not an array", spec.ItemsPath)
	}

	seen := make(model.IDSet, len(items))
	idents := make([]model.Identifier, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := idString(entry[spec.IDField])
		if id == "" || seen.Has(id) {
			continue
		}
		seen.Add(id)
		name, _ := entry[spec.NameField].(string)
		idents = append(idents, model.Identifier{
			ID:         id,
			Name:       strings.TrimSpace(name),
			ObservedAt: now,
		})
	}
	return idents, nil
}

// idString renders a JSON identifier value as an ID.
func idString(v any) model.ID {
	switch t := v.(type) {
	case string:
		return model.ID(strings.TrimSpace(t))
	case json.Number:
		return model.ID(t.String())
	case float64:
		return model.ID(fmt.Sprintf("%.0f", t))
	default:
		return ""
	}
}
