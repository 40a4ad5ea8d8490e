package refresh

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobType string

const (
	jobTypeSync    jobType = "sync"
	jobTypeCleanup jobType = "cleanup"
)

type queuePayload struct {
	ID       string    `json:"id"`
	Kind     jobType   `json:"kind"`
	ClinicID uuid.UUID `json:"clinic_id"`
	Force    bool      `json:"force,omitempty"`
}

type PublishOption func(*queuePayload)

// WithForceFull makes the sync re-seed the clinic even when its cache still
// looks fresh.
func WithForceFull() PublishOption {
	return func(p *queuePayload) {
		p.Force = true
	}
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("refresh: failed to encode payload: %w", err)
	}

	return payload, string(body), nil
}
