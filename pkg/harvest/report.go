package harvest

import (
	"sync"
	"time"

	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"github.com/google/uuid"
)

// AspectStatus is the result of one (identifier, aspect) within a run.
type AspectStatus string

const (
	// StatusStored means a payload was fetched and written.
	StatusStored AspectStatus = "stored"

	// StatusUnchanged means a payload was fetched but matched the stored one.
	StatusUnchanged AspectStatus = "unchanged"

	// StatusEmpty means upstream answered with no usable data.
	StatusEmpty AspectStatus = "empty"

	// StatusFailed means no answer was obtained or the sink rejected it.
	StatusFailed AspectStatus = "failed"
)

// AspectResult records what happened to one aspect of an identifier.
type AspectResult struct {
	Aspect   model.Aspect `json:"aspect"`
	Status   AspectStatus `json:"status"`
	Attempts int          `json:"attempts"`

	// Tries is the no-data counter after an empty answer was recorded.
	Tries int `json:"tries,omitempty"`

	Error string `json:"error,omitempty"`
}

// IdentifierResult is the processing record of one batch entry.
type IdentifierResult struct {
	ID      model.ID       `json:"id"`
	Tier    int            `json:"tier"`
	Aspects []AspectResult `json:"aspects"`
}

// Totals aggregates aspect results across a run.
type Totals struct {
	Processed int `json:"processed"`
	Stored    int `json:"stored"`
	Unchanged int `json:"unchanged"`
	Empty     int `json:"empty"`
	Failed    int `json:"failed"`
}

// Successes counts fetched payloads, written or not.
func (t Totals) Successes() int {
	return t.Stored + t.Unchanged
}

// CatalogResult is the outcome of the catalog refresh preceding a run.
type CatalogResult struct {
	Listed   int    `json:"listed"`
	Inserted int    `json:"inserted"`
	Error    string `json:"error,omitempty"`
}

// RunReport summarises one run. It is safe to read through Snapshot while the
// run is in progress; direct field access is safe once Run has returned.
type RunReport struct {
	mu sync.RWMutex

	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	BatchSize  int
	TierCounts map[int]int
	Catalog    *CatalogResult
	Results    []IdentifierResult
	Totals     Totals

	// Aborted is set when the context was cancelled before the batch was
	// fully processed.
	Aborted bool

	// Err is a setup failure that prevented processing, e.g. an unreachable
	// sink. Per-identifier failures never set it.
	Err error
}

// Summary is a point-in-time copy of a report without per-identifier results.
type Summary struct {
	ID         string         `json:"id"`
	Running    bool           `json:"running"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	BatchSize  int            `json:"batch_size"`
	TierCounts map[int]int    `json:"tier_counts"`
	Catalog    *CatalogResult `json:"catalog,omitempty"`
	Totals     Totals         `json:"totals"`
	Aborted    bool           `json:"aborted"`
	Error      string         `json:"error,omitempty"`
}

func newRunReport(now time.Time) *RunReport {
	return &RunReport{
		ID:         uuid.NewString(),
		StartedAt:  now,
		TierCounts: make(map[int]int),
	}
}

// Snapshot returns a consistent copy of the report's summary.
func (r *RunReport) Snapshot() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{
		ID:         r.ID,
		Running:    r.FinishedAt.IsZero(),
		StartedAt:  r.StartedAt,
		BatchSize:  r.BatchSize,
		TierCounts: make(map[int]int, len(r.TierCounts)),
		Totals:     r.Totals,
		Aborted:    r.Aborted,
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		s.FinishedAt = &finished
	}
	for k, v := range r.TierCounts {
		s.TierCounts[k] = v
	}
	if r.Catalog != nil {
		c := *r.Catalog
		s.Catalog = &c
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

// Result returns the record for id, if it was processed.
func (r *RunReport) Result(id model.ID) (IdentifierResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, res := range r.Results {
		if res.ID == id {
			return res, true
		}
	}
	return IdentifierResult{}, false
}

func (r *RunReport) add(res IdentifierResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Results = append(r.Results, res)
	r.Totals.Processed++
	for _, a := range res.Aspects {
		switch a.Status {
		case StatusStored:
			r.Totals.Stored++
		case StatusUnchanged:
			r.Totals.Unchanged++
		case StatusEmpty:
			r.Totals.Empty++
		case StatusFailed:
			r.Totals.Failed++
		}
	}
}

func (r *RunReport) setBatch(size int, tiers map[int]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.BatchSize = size
	for k, v := range tiers {
		r.TierCounts[k] = v
	}
}

func (r *RunReport) setCatalog(c CatalogResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Catalog = &c
}

func (r *RunReport) finish(now time.Time, aborted bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinishedAt = now
	r.Aborted = aborted
	r.Err = err
}
