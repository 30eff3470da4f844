// Package scheduler selects which identifiers a harvest run should fetch.
//
// Selection is recomputed from scratch on every run from current storage
// state; nothing is persisted between runs. Identifiers missing more tracked
// aspects are picked first, and leftover capacity revisits the oldest
// discovered identifiers so fully covered ones are eventually refreshed.
package scheduler

import (
	"sort"

	"github.com/Sternrassler/catalog-harvester/pkg/model"
)

// DefaultMaxBatchSize is the default cap on identifiers per run.
const DefaultMaxBatchSize = 1000

// Input is everything SelectBatch needs.
type Input struct {
	// Universe is the list of known identifiers after exclusion filters.
	// Its order breaks ties within a tier.
	Universe []model.Identifier

	// Presence holds, per tracked aspect, the identifiers with a usable
	// payload. For the empty-marking aspect the caller passes the union with
	// model.AspectNoData.
	Presence model.Presence

	// Tracked are the aspects that count towards missingCount.
	Tracked []model.Aspect

	// MaxBatchSize caps the batch. Zero or negative selects nothing.
	MaxBatchSize int

	// Exclude drops identifiers before tiering.
	Exclude model.IDSet
}

// Batch is the ordered set of identifiers selected for one run.
type Batch struct {
	// IDs in processing order, without duplicates.
	IDs []model.ID

	// TierCounts maps missingCount to the number of selected identifiers
	// with that count. Tier 0 holds the oldest-first fallback picks.
	TierCounts map[int]int

	tiers map[model.ID]int
}

// Len returns the number of selected identifiers.
func (b Batch) Len() int {
	return len(b.IDs)
}

// Tier returns the missingCount id was selected with.
func (b Batch) Tier(id model.ID) (int, bool) {
	t, ok := b.tiers[id]
	return t, ok
}

// candidate is an identifier with its position in the universe.
type candidate struct {
	ident   model.Identifier
	missing int
}

// SelectBatch picks up to MaxBatchSize identifiers.
//
// Identifiers are partitioned by the number of tracked aspects they lack;
// tiers are filled from len(Tracked) missing down to 1, keeping universe order
// within a tier. Remaining capacity is filled with not yet selected
// identifiers ordered by ObservedAt ascending. The result has exactly
// min(MaxBatchSize, |unique universe \ Exclude|) entries and is deterministic
// for identical input.
func SelectBatch(in Input) Batch {
	batch := Batch{
		TierCounts: make(map[int]int),
		tiers:      make(map[model.ID]int),
	}
	if in.MaxBatchSize <= 0 {
		return batch
	}

	candidates := dedupe(in.Universe, in.Exclude)
	for i := range candidates {
		candidates[i].missing = missingCount(candidates[i].ident.ID, in.Presence, in.Tracked)
	}

	limit := in.MaxBatchSize
	if limit > len(candidates) {
		limit = len(candidates)
	}
	batch.IDs = make([]model.ID, 0, limit)

	take := func(c candidate, tier int) {
		batch.IDs = append(batch.IDs, c.ident.ID)
		batch.tiers[c.ident.ID] = tier
		batch.TierCounts[tier]++
	}

	for tier := len(in.Tracked); tier >= 1 && len(batch.IDs) < limit; tier-- {
		for _, c := range candidates {
			if len(batch.IDs) >= limit {
				break
			}
			if c.missing == tier {
				take(c, tier)
			}
		}
	}

	if len(batch.IDs) < limit {
		rest := make([]candidate, 0, len(candidates)-len(batch.IDs))
		for _, c := range candidates {
			if _, picked := batch.tiers[c.ident.ID]; !picked {
				rest = append(rest, c)
			}
		}
		sort.SliceStable(rest, func(i, j int) bool {
			return rest[i].ident.ObservedAt.Before(rest[j].ident.ObservedAt)
		})
		for _, c := range rest {
			if len(batch.IDs) >= limit {
				break
			}
			take(c, c.missing)
		}
	}

	return batch
}

// dedupe drops excluded identifiers and keeps the first occurrence of each ID.
func dedupe(universe []model.Identifier, exclude model.IDSet) []candidate {
	seen := make(model.IDSet, len(universe))
	out := make([]candidate, 0, len(universe))
	for _, ident := range universe {
		if seen.Has(ident.ID) || exclude.Has(ident.ID) {
			continue
		}
		seen.Add(ident.ID)
		out = append(out, candidate{ident: ident})
	}
	return out
}

// missingCount returns how many tracked aspects lack a usable payload for id.
func missingCount(id model.ID, presence model.Presence, tracked []model.Aspect) int {
	n := 0
	for _, aspect := range tracked {
		if !presence.Has(aspect, id) {
			n++
		}
	}
	return n
}

// Missing returns the tracked aspects id lacks, in tracked order.
func Missing(id model.ID, presence model.Presence, tracked []model.Aspect) []model.Aspect {
	var out []model.Aspect
	for _, aspect := range tracked {
		if !presence.Has(aspect, id) {
			out = append(out, aspect)
		}
	}
	return out
}
