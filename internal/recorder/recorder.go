// Package recorder persists monitoring frames and commands to the history
// database and enforces its retention.
package recorder

import (
	"context"
	"database/sql"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/db"
	"github.com/soildesigngroup/cm5-maker-desk/internal/datadog"
	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
)

type Options struct {
	Clock clock.Clock

	// Retention is how long history is kept. Zero keeps everything.
	Retention  time.Duration
	PruneEvery time.Duration

	// Frames are written in batches of BatchSize or every FlushEvery.
	BatchSize  int
	FlushEvery time.Duration
}

type Recorder struct {
	db   *sql.DB
	opts Options
}

func New(conn *sql.DB, opts Options) *Recorder {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PruneEvery <= 0 {
		opts.PruneEvery = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = time.Second
	}
	return &Recorder{db: conn, opts: opts}
}

func epochTime(f float64) time.Time {
	return time.Unix(0, int64(f*1e9)).UTC()
}

func toPollResult(f dispatch.Response) db.PollResult {
	return db.PollResult{
		Device:    f.Device,
		Timestamp: epochTime(f.Timestamp),
		Success:   f.Success,
		Data:      f.Data,
		Error:     f.Error,
		ErrorKind: string(f.ErrorKind),
	}
}

// Run stores frames until ctx is cancelled or frames is closed, flushing
// whatever is pending before it returns.
func (r *Recorder) Run(ctx context.Context, frames <-chan dispatch.Response) {
	flush := r.opts.Clock.Ticker(r.opts.FlushEvery)
	defer flush.Stop()
	prune := r.opts.Clock.Ticker(r.opts.PruneEvery)
	defer prune.Stop()

	pending := make([]db.PollResult, 0, r.opts.BatchSize)
	write := func() {
		if len(pending) == 0 {
			return
		}
		if err := db.InsertPollResults(r.db, pending); err != nil {
			log.Error().Err(err).Int("frames", len(pending)).Msg("Failed to store monitoring frames")
			datadog.Incr("recorder.errors")
		} else {
			datadog.Gauge("recorder.batch", float64(len(pending)))
		}
		pending = pending[:0]
	}
	defer write()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			pending = append(pending, toPollResult(f))
			if len(pending) >= r.opts.BatchSize {
				write()
			}
		case <-flush.C:
			write()
		case <-prune.C:
			r.Prune()
		}
	}
}

// Prune deletes history older than the retention window.
func (r *Recorder) Prune() {
	if r.opts.Retention <= 0 {
		return
	}
	cutoff := r.opts.Clock.Now().Add(-r.opts.Retention)
	n, err := db.PruneBefore(r.db, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune history")
		return
	}
	if n > 0 {
		log.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("Pruned history")
	}
}

// LogCommand records a command answered over a transport.
func (r *Recorder) LogCommand(req dispatch.Request, resp dispatch.Response, source string) {
	err := db.InsertCommand(r.db, db.Command{
		RequestID: req.RequestID,
		Device:    req.Device,
		Action:    req.Action,
		Timestamp: epochTime(resp.Timestamp),
		Success:   resp.Success,
		Error:     resp.Error,
		Source:    source,
	})
	if err != nil {
		log.Warn().Err(err).Str("action", req.Action).Msg("Failed to log command")
	}
}

// History returns persisted frames for the history endpoint.
func (r *Recorder) History(device string, limit int) ([]db.PollResult, error) {
	return db.GetRecentPollResults(r.db, device, limit)
}
