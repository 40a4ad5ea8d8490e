package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/covehealth/voicebook-platform/pkg/logging"
)

func TestMemoryQueueSendReceive(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx := context.Background()

	if err := queue.Send(ctx, "first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := queue.Send(ctx, "second"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	messages, err := queue.Receive(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	if messages[0].Body != "first" || messages[1].Body != "second" {
		t.Errorf("bodies = %q, %q", messages[0].Body, messages[1].Body)
	}
	if messages[0].ID == "" || messages[0].ReceiptHandle == "" {
		t.Error("expected generated id and receipt handle")
	}
	if messages[0].ID == messages[1].ID {
		t.Error("expected distinct message ids")
	}
}

func TestMemoryQueueReceiveRespectsMax(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := queue.Send(ctx, "msg"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	messages, err := queue.Receive(ctx, 2, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
}

func TestMemoryQueueReceiveTimesOut(t *testing.T) {
	queue := NewMemoryQueue(1)

	start := time.Now()
	messages, err := queue.Receive(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if messages != nil {
		t.Fatalf("messages = %v, want nil on timeout", messages)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("returned after %v, want about 1s", elapsed)
	}
}

func TestMemoryQueueReceiveStopsOnCancel(t *testing.T) {
	queue := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := queue.Receive(ctx, 1, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestMemoryQueueSendStopsOnCancelWhenFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	ctx := context.Background()

	if err := queue.Send(ctx, "fills the buffer"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := queue.Send(cancelled, "overflow"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestEncodePayloadAssignsID(t *testing.T) {
	payload, body, err := encodePayload(queuePayload{Kind: jobTypeSync})
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}
	if payload.ID == "" {
		t.Error("expected generated id")
	}
	if !strings.Contains(body, string(jobTypeSync)) {
		t.Errorf("body = %s", body)
	}

	fixed, _, err := encodePayload(queuePayload{ID: "job-42", Kind: jobTypeCleanup})
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}
	if fixed.ID != "job-42" {
		t.Errorf("id = %s, want job-42", fixed.ID)
	}
}

func TestPublisherEnqueueSync(t *testing.T) {
	queue := NewMemoryQueue(4)
	publisher := NewPublisher(queue, logging.Default())

	clinicID := uuid.New()
	if err := publisher.EnqueueSync(context.Background(), clinicID, WithForceFull()); err != nil {
		t.Fatalf("EnqueueSync: %v", err)
	}

	messages, err := queue.Receive(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}

	var payload queuePayload
	if err := json.Unmarshal([]byte(messages[0].Body), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Kind != jobTypeSync {
		t.Errorf("kind = %s, want %s", payload.Kind, jobTypeSync)
	}
	if payload.ClinicID != clinicID {
		t.Errorf("clinic = %s, want %s", payload.ClinicID, clinicID)
	}
	if !payload.Force {
		t.Error("expected force flag")
	}
	if payload.ID == "" {
		t.Error("expected job id")
	}
}

func TestPublisherEnqueueCleanup(t *testing.T) {
	queue := NewMemoryQueue(4)
	publisher := NewPublisher(queue, logging.Default())

	if err := publisher.EnqueueCleanup(context.Background()); err != nil {
		t.Fatalf("EnqueueCleanup: %v", err)
	}

	messages, err := queue.Receive(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	var payload queuePayload
	if err := json.Unmarshal([]byte(messages[0].Body), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Kind != jobTypeCleanup {
		t.Errorf("kind = %s, want %s", payload.Kind, jobTypeCleanup)
	}
}

func TestPublisherWrapsSendFailure(t *testing.T) {
	publisher := NewPublisher(failingQueue{}, logging.Default())

	err := publisher.EnqueueSync(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "failed to enqueue job") {
		t.Errorf("err = %v", err)
	}
}

type failingQueue struct{}

func (failingQueue) Send(context.Context, string) error { return errors.New("queue down") }

func (failingQueue) Receive(context.Context, int, int) ([]queueMessage, error) {
	return nil, nil
}

func (failingQueue) Delete(context.Context, string) error { return nil }
