package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/talhas-laboratory/curated-context-containers/internal/config"
	"github.com/talhas-laboratory/curated-context-containers/internal/ingest"
	"github.com/talhas-laboratory/curated-context-containers/internal/persistence/databases"
	"github.com/talhas-laboratory/curated-context-containers/internal/policy"
	"github.com/talhas-laboratory/curated-context-containers/internal/registry"
)

func TestEnqueueIngest_WithoutRegistryErrors(t *testing.T) {
	mgr := databases.Manager{Search: databases.NewMemorySearch(), Vector: databases.NewMemoryVector(), Graph: databases.NewMemoryGraph()}
	s := New(mgr)
	if _, err := s.EnqueueIngest(context.Background(), ingest.IngestRequest{ID: "doc:1"}); err == nil {
		t.Fatalf("expected an error enqueueing without a configured registry")
	}
}

func TestEnqueueIngest_QueuesJobWithPayloadAndIdempotencyKey(t *testing.T) {
	mgr := databases.Manager{Search: databases.NewMemorySearch(), Vector: databases.NewMemoryVector(), Graph: databases.NewMemoryGraph()}
	reg := registry.NewMemoryRegistry()
	s := New(mgr, WithRegistry(reg))
	ctx := context.Background()

	req := ingest.IngestRequest{
		ID: "doc:acme:1", ContainerID: "c1", Tenant: "acme", Text: "queued ingestion",
		Options: ingest.IngestOptions{IdempotencyKey: "ingest-doc-1"},
	}
	job, err := s.EnqueueIngest(ctx, req)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if job.Kind != IngestJobKind {
		t.Fatalf("expected kind %q, got %q", IngestJobKind, job.Kind)
	}
	if job.IdempotencyKey != "ingest-doc-1" {
		t.Fatalf("expected idempotency key to carry over, got %q", job.IdempotencyKey)
	}

	var payload ingest.IngestRequest
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("payload did not round-trip as an IngestRequest: %v", err)
	}
	if payload.ID != req.ID || payload.Text != req.Text {
		t.Fatalf("payload mismatch: got %+v", payload)
	}

	// Re-enqueueing with the same idempotency key must return the same job,
	// not create a second one, while the first is still non-terminal.
	again, err := s.EnqueueIngest(ctx, req)
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if again.ID != job.ID {
		t.Fatalf("expected idempotent re-enqueue to return job %s, got %s", job.ID, again.ID)
	}
}

func TestIngest_RejectsModalityNotInContainerPolicy(t *testing.T) {
	mgr := databases.Manager{Search: databases.NewMemorySearch(), Vector: databases.NewMemoryVector(), Graph: databases.NewMemoryGraph()}
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	if _, err := reg.CreateContainer(ctx, registry.Container{ID: "c1", State: registry.ContainerStateActive, Modalities: []string{"text"}}); err != nil {
		t.Fatalf("create container failed: %v", err)
	}

	policies := policy.NewResolver(reg, config.PolicyDefaults{})
	s := New(mgr, WithRegistry(reg), WithPolicyResolver(policies))

	req := ingest.IngestRequest{ID: "doc:1", ContainerID: "c1", Modality: "image", Text: "binary content"}
	_, err := s.Ingest(ctx, req)
	if err == nil {
		t.Fatalf("expected a modality rejection")
	}
	modErr, ok := err.(*ingest.ModalityError)
	if !ok {
		t.Fatalf("expected *ingest.ModalityError, got %T: %v", err, err)
	}
	if modErr.Modality != "image" {
		t.Fatalf("expected rejected modality to be reported, got %q", modErr.Modality)
	}
}
