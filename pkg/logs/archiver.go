package logs

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foundry/pkg/events"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/objstore"
	"github.com/cuemby/foundry/pkg/types"
)

// JobMarker is the slice of the store the archiver needs.
type JobMarker interface {
	MarkJobArchived(ctx context.Context, id int64) error
}

// Archiver moves finished job logs from the local spool to the object store.
type Archiver struct {
	pipeline *Pipeline
	store    objstore.Store
	jobs     JobMarker
	broker   *events.Broker
	attempts int
	delay    time.Duration
	logger   zerolog.Logger
}

// NewArchiver builds an archiver with the bounded-retry settings for uploads.
func NewArchiver(pipeline *Pipeline, store objstore.Store, jobs JobMarker, broker *events.Broker, attempts int, delay time.Duration) *Archiver {
	return &Archiver{
		pipeline: pipeline,
		store:    store,
		jobs:     jobs,
		broker:   broker,
		attempts: attempts,
		delay:    delay,
		logger:   log.WithComponent("log-archiver"),
	}
}

// Archive uploads the job's spooled log, marks the job archived, and prunes
// local state. A job with no spool file archives as a no-op.
func (a *Archiver) Archive(ctx context.Context, job *types.Job) error {
	path := a.pipeline.spoolPath(job.ID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	key := objstore.LogKey(job.ID)
	err := objstore.Retry(ctx, a.attempts, a.delay, "log upload", func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return a.store.Put(ctx, key, f)
	})
	if err != nil {
		metrics.LogArchives.WithLabelValues("failure").Inc()
		a.logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to archive log")
		return err
	}

	if err := a.jobs.MarkJobArchived(ctx, job.ID); err != nil {
		return err
	}
	if err := a.pipeline.Prune(job.ID); err != nil {
		return err
	}

	metrics.LogArchives.WithLabelValues("success").Inc()
	if a.broker != nil {
		a.broker.Publish(events.ForJob(events.EventLogArchived, job, "log archived"))
	}
	a.logger.Info().Int64("job_id", job.ID).Str("key", key).Msg("log archived")
	return nil
}
