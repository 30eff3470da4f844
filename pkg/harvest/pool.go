package harvest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Sternrassler/catalog-harvester/pkg/logging"
	"github.com/Sternrassler/catalog-harvester/pkg/model"
)

// progressEvery is how often the pool logs progress, in identifiers.
const progressEvery = 50

// runPool processes ids with r.config.Workers workers and returns how many
// were handled. Workers stop taking new identifiers once ctx is done; an
// identifier already in progress is always finished.
func (r *Runner) runPool(ctx context.Context, ids []model.ID, handle func(context.Context, model.ID)) int {
	queue := make(chan model.ID, len(ids))
	for _, id := range ids {
		queue <- id
	}
	close(queue)

	var (
		wg        sync.WaitGroup
		processed atomic.Int64
	)
	for i := 0; i < r.config.Workers; i++ {
		wg.Add(1)
		go r.worker(ctx, i, queue, handle, &processed, len(ids), &wg)
	}
	wg.Wait()

	return int(processed.Load())
}

// worker processes identifiers from the queue.
func (r *Runner) worker(ctx context.Context, workerID int, queue <-chan model.ID, handle func(context.Context, model.ID), processed *atomic.Int64, total int, wg *sync.WaitGroup) {
	defer wg.Done()
	logger := logging.FromContext(ctx, r.logger).With().Int("worker_id", workerID).Logger()
	handled := 0

	for id := range queue {
		select {
		case <-ctx.Done():
			logger.Debug().
				Int("identifiers_processed", handled).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		handle(ctx, id)
		handled++

		if n := processed.Add(1); n%progressEvery == 0 {
			logger.Info().
				Int64("processed", n).
				Int("total", total).
				Float64("progress_pct", float64(n)/float64(total)*100).
				Msg("Harvest progress")
		}
	}

	if handled > 0 {
		logger.Debug().
			Int("identifiers_processed", handled).
			Msg("Worker completed")
	}
}
