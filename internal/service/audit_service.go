package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lexicon-cms/lexicon-api/internal/models"
	"github.com/lexicon-cms/lexicon-api/pkg/jobs"
)

// AuditService decouples audit persistence from request latency. Entries are
// pushed onto an in-memory queue and written by background workers; a full
// queue falls back to a synchronous write so no entry is silently dropped.
type AuditService struct {
	sink   auditSink
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewAuditService constructs the async audit writer.
func NewAuditService(sink auditSink, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AuditService{sink: sink, logger: logger}
	s.queue = jobs.NewQueue("audit", s.handle, jobs.QueueConfig{
		Workers:    2,
		BufferSize: 256,
		MaxRetries: 3,
		RetryDelay: time.Second,
		Logger:     logger,
	})
	return s
}

// Start launches the background workers.
func (s *AuditService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *AuditService) Stop() {
	s.queue.Stop()
}

// Create enqueues the entry for background persistence. It satisfies the
// same contract as the repository so services can use either.
func (s *AuditService) Create(ctx context.Context, log *models.AuditLog) error {
	err := s.queue.Enqueue(jobs.Job{Type: log.Action, Payload: log})
	if err == nil {
		return nil
	}
	// Queue not started or shutting down: write inline instead.
	return s.sink.Create(ctx, log)
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(*models.AuditLog)
	if !ok {
		s.logger.Warn("unexpected audit job payload", zap.String("type", job.Type))
		return nil
	}
	return s.sink.Create(ctx, entry)
}
