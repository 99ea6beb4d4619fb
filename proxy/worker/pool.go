// Package worker provides an asynchronous worker pool for persisting
// transcript turns through the provided storage.Driver and publishing an
// event for each stored turn.
//
// The pool decouples persistence from the proxy's HTTP hot path so that the
// client-proxy-upstream interaction never waits on the database.
package worker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/counselhq/counsel/pkg/eventstream"
	"github.com/counselhq/counsel/pkg/storage"
)

var (
	defaultNumWorkers   uint = 3
	defaultJobQueueSize uint = 256
)

// Job is a unit of work for the worker pool to execute against.
type Job struct {
	// CaseID is the storage ID of the case the turn belongs to.
	CaseID int64

	// CaseUID is the case's public UID, recorded on the published event.
	CaseUID string

	// UserID is the owner of the case.
	UserID int64

	// Role and Content form the message appended to the transcript.
	Role    string
	Content string

	// Type is the assist type that produced the turn ("chat" or "analyze").
	Type string
}

// Config is the configuration options for the worker pool.
type Config struct {
	// Driver is the storage backend for persisting transcript turns.
	Driver storage.Driver

	// Publisher is an optional event publisher. If nil, no events are
	// published for stored turns.
	Publisher eventstream.Publisher

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	// Logger is the provided zap logger
	Logger *zap.Logger
}

// Pool processes persistence jobs asynchronously via a worker pool.
type Pool struct {
	config *Config
	queue  chan Job
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewPool creates a new Pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	wp := &Pool{
		config: c,
		queue:  make(chan Job, c.QueueSize),
		logger: c.Logger,
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go wp.worker(i)
	}

	return wp, nil
}

// Enqueue submits a job for processing by the worker pool.
// Returns true if enqueued, false if the queue is full, resulting in the job being dropped
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.queue <- job:
		p.logger.Debug("job queued",
			zap.String("case_uid", job.CaseUID),
			zap.String("role", job.Role),
		)
		return true
	default:
		p.logger.Error("job not queued, queue full, job dropped",
			zap.String("case_uid", job.CaseUID),
			zap.String("role", job.Role),
		)
		return false
	}
}

// Close signals workers to stop and waits for in-flight jobs to drain.
// Call this during graceful shutdown after the proxy HTTP server has stopped.
func (p *Pool) Close() {
	close(p.queue)
	p.wg.Wait()
}

// worker is the inner worker thread that continuously pulls jobs off the jobs queue
func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("worker started", zap.Uint("worker_id", id))

	for job := range p.queue {
		p.processJob(job)
	}

	p.logger.Debug("persistence worker stopped", zap.Uint("worker_id", id))
}

// processJob appends the turn to the case transcript and publishes a
// turn-persisted event.
func (p *Pool) processJob(job Job) {
	ctx := context.Background()

	msg, err := p.config.Driver.AppendMessage(ctx, &storage.Message{
		CaseID:  job.CaseID,
		Role:    job.Role,
		Content: job.Content,
	})
	if err != nil {
		p.logger.Error("async turn persistence failed",
			zap.String("case_uid", job.CaseUID),
			zap.Error(err),
		)
		return
	}

	p.logger.Info("turn persisted",
		zap.String("case_uid", job.CaseUID),
		zap.String("role", job.Role),
		zap.Int64("message_id", msg.ID),
	)

	if p.config.Publisher == nil {
		return
	}

	event := eventstream.NewTurnPersisted(job.CaseUID, job.UserID, eventstream.TurnMeta{
		Role:       job.Role,
		Chars:      len(job.Content),
		Type:       job.Type,
		OccurredAt: time.Now().UTC(),
	})

	// Event delivery is best effort; a broker outage must not block or
	// fail transcript persistence.
	if err := p.config.Publisher.Publish(ctx, event); err != nil {
		p.logger.Warn("failed to publish turn event",
			zap.String("case_uid", job.CaseUID),
			zap.Error(err),
		)
	}
}
