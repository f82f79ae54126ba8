package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/pkg/queue"
)

const dequeueTimeout = 5 * time.Second

// JobSource is the job queue the processor drains.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ObjectDeleter removes stored media objects.
type ObjectDeleter interface {
	Delete(ctx context.Context, key string) error
}

// MediaRows removes media metadata.
type MediaRows interface {
	Delete(ctx context.Context, id uuid.UUID) error
}

// MediaProcessor processes media cleanup jobs: delete the S3 object, then the row.
type MediaProcessor struct {
	jobs    JobSource
	objects ObjectDeleter
	rows    MediaRows
	backoff time.Duration
	logger  *zap.Logger
}

// NewMediaProcessor creates a media cleanup processor.
func NewMediaProcessor(jobs JobSource, objects ObjectDeleter, rows MediaRows, logger *zap.Logger) *MediaProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaProcessor{jobs: jobs, objects: objects, rows: rows, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one job. Deleting an already removed object or row succeeds.
func (p *MediaProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeMediaDelete {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.MediaDeletePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.S3Key != "" {
		if err := p.objects.Delete(ctx, payload.S3Key); err != nil {
			return fmt.Errorf("delete object: %w", err)
		}
	}
	if err := p.rows.Delete(ctx, payload.MediaID); err != nil {
		return fmt.Errorf("delete media row: %w", err)
	}
	p.logger.Info("media removed", zap.String("media_id", payload.MediaID.String()), zap.String("s3_key", payload.S3Key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *MediaProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("media worker stopping")
			return
		default:
		}

		job, err := p.jobs.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.jobs.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *MediaProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
