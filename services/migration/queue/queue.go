// Package queue defines the stage-job wire payload and the JetStream
// stream layout shared by the state machine (producer) and the worker
// (consumer).
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/opengovern/og-util/pkg/jq"
	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

const (
	StreamName        = "migration"
	StreamDescription = "account migration stage jobs"
)

func TopicFor(stage models.Stage) string {
	return fmt.Sprintf("migration-stage-%s", stage)
}

var AllTopics = []string{
	TopicFor(models.StageDownload),
	TopicFor(models.StageBackup),
	TopicFor(models.StageAccount),
	TopicFor(models.StageRepo),
	TopicFor(models.StageBlobs),
	TopicFor(models.StagePreferences),
	TopicFor(models.StagePlcToken),
	TopicFor(models.StagePlc),
	TopicFor(models.StageActivation),
}

// Variant selects between the two transfer runner flavours: streaming
// through the local backup bundle or streaming directly between the two
// endpoints.
type Variant string

const (
	VariantDirect      Variant = "direct"
	VariantLocalBackup Variant = "local_backup"
)

type StageJob struct {
	MigrationID uint         `json:"migrationID"`
	Stage       models.Stage `json:"stage"`
	Variant     Variant      `json:"variant"`

	// RetryFailedOnly re-attempts only the blobs on the failed manifest
	// without re-copying successful ones.
	RetryFailedOnly bool `json:"retryFailedOnly,omitempty"`
}

// Enqueuer schedules exactly one stage-runner invocation. The production
// implementation publishes to JetStream; tests capture jobs in memory.
type Enqueuer interface {
	Enqueue(ctx context.Context, job StageJob) error
}

type JetStreamEnqueuer struct {
	jq     *jq.JobQueue
	logger *zap.Logger
}

func NewJetStreamEnqueuer(jq *jq.JobQueue, logger *zap.Logger) *JetStreamEnqueuer {
	return &JetStreamEnqueuer{jq: jq, logger: logger}
}

// SetupStream declares the migration stream. Idempotent; both the
// service and the worker call it on startup.
func (e *JetStreamEnqueuer) SetupStream(ctx context.Context) error {
	return e.jq.Stream(ctx, StreamName, StreamDescription, AllTopics, 1000)
}

func (e *JetStreamEnqueuer) Enqueue(ctx context.Context, job StageJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal stage job: %w", err)
	}

	// Re-entries of the same stage are distinct deliveries, so the
	// message id carries a nonce.
	id := fmt.Sprintf("migration-%d-%s-%s", job.MigrationID, job.Stage, uuid.New().String())
	if _, err := e.jq.Produce(ctx, TopicFor(job.Stage), payload, id); err != nil {
		return fmt.Errorf("produce stage job: %w", err)
	}

	e.logger.Info("enqueued stage job",
		zap.Uint("migrationID", job.MigrationID),
		zap.String("stage", string(job.Stage)),
		zap.String("variant", string(job.Variant)),
	)
	return nil
}
