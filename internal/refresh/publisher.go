package refresh

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/pkg/logging"
)

// Publisher enqueues refresh jobs for asynchronous processing.
type Publisher struct {
	queue  queueClient
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue queueClient, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("refresh: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:  queue,
		logger: logger,
	}
}

// EnqueueSync publishes a cache sync job for one clinic.
func (p *Publisher) EnqueueSync(ctx context.Context, clinicID uuid.UUID, opts ...PublishOption) error {
	return p.enqueue(ctx, queuePayload{Kind: jobTypeSync, ClinicID: clinicID}, opts...)
}

// EnqueueCleanup publishes a cache cleanup sweep. Cleanup is clinic-agnostic.
func (p *Publisher) EnqueueCleanup(ctx context.Context) error {
	return p.enqueue(ctx, queuePayload{Kind: jobTypeCleanup})
}

func (p *Publisher) enqueue(ctx context.Context, payload queuePayload, opts ...PublishOption) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, opt := range opts {
		opt(&payload)
	}

	payload, body, err := encodePayload(payload)
	if err != nil {
		return err
	}

	if err := p.queue.Send(ctx, body); err != nil {
		return fmt.Errorf("refresh: failed to enqueue job: %w", err)
	}

	p.logger.Debug("refresh job enqueued", "job_id", payload.ID, "kind", payload.Kind, "clinic_id", payload.ClinicID)
	return nil
}
