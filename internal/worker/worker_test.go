package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/pkg/queue"
)

type fakeJobs struct {
	mu      sync.Mutex
	pending []*queue.Job
	retried []*queue.Job
}

func (f *fakeJobs) Dequeue(_ context.Context, _ time.Duration) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	j := f.pending[0]
	f.pending = f.pending[1:]
	return j, nil
}

func (f *fakeJobs) Retry(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Attempt++
	f.retried = append(f.retried, job)
	return nil
}

func (f *fakeJobs) retries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.retried)
}

type fakeObjects struct {
	mu      sync.Mutex
	err     error
	deleted []string
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeRows struct {
	mu      sync.Mutex
	deleted []uuid.UUID
}

func (f *fakeRows) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func mediaJob(t *testing.T, id uuid.UUID, key string) *queue.Job {
	t.Helper()
	body, err := json.Marshal(queue.MediaDeletePayload{MediaID: id, S3Key: key})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &queue.Job{ID: uuid.NewString(), Type: queue.JobTypeMediaDelete, Payload: body}
}

func TestProcessDeletesObjectThenRow(t *testing.T) {
	objects, rows := &fakeObjects{}, &fakeRows{}
	p := NewMediaProcessor(&fakeJobs{}, objects, rows, zap.NewNop())
	id := uuid.New()

	if err := p.Process(context.Background(), mediaJob(t, id, "media/u/x.png")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(objects.deleted) != 1 || objects.deleted[0] != "media/u/x.png" {
		t.Fatalf("objects deleted = %v", objects.deleted)
	}
	if len(rows.deleted) != 1 || rows.deleted[0] != id {
		t.Fatalf("rows deleted = %v", rows.deleted)
	}
}

func TestProcessKeepsRowWhenObjectDeleteFails(t *testing.T) {
	objects, rows := &fakeObjects{err: errors.New("s3 down")}, &fakeRows{}
	p := NewMediaProcessor(&fakeJobs{}, objects, rows, zap.NewNop())

	if err := p.Process(context.Background(), mediaJob(t, uuid.New(), "media/u/x.png")); err == nil {
		t.Fatal("expected error")
	}
	if len(rows.deleted) != 0 {
		t.Fatalf("row deleted despite object failure: %v", rows.deleted)
	}
}

func TestProcessUnknownType(t *testing.T) {
	p := NewMediaProcessor(&fakeJobs{}, &fakeObjects{}, &fakeRows{}, zap.NewNop())
	if err := p.Process(context.Background(), &queue.Job{Type: "recording_upload"}); err == nil {
		t.Fatal("expected error for unknown job type")
	}
}

func TestRunRetriesFailedJobs(t *testing.T) {
	jobs := &fakeJobs{pending: []*queue.Job{mediaJob(t, uuid.New(), "k")}}
	p := NewMediaProcessor(jobs, &fakeObjects{err: errors.New("boom")}, &fakeRows{}, zap.NewNop())
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for jobs.retries() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if jobs.retries() != 1 {
		t.Fatalf("retries = %d, want 1", jobs.retries())
	}
}
