package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/atproto-tools/atmigrate/services/migration/client"
	"github.com/atproto-tools/atmigrate/services/migration/config"
	"github.com/atproto-tools/atmigrate/services/migration/db"
	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/progress"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
	"github.com/atproto-tools/atmigrate/services/migration/secrets"
	"github.com/atproto-tools/atmigrate/services/migration/statemachine"
)

type plainCipher struct{}

func (plainCipher) Encrypt(_ context.Context, cred map[string]any) (string, error) {
	raw, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (plainCipher) Decrypt(_ context.Context, cypherText string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(cypherText)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type memoryEnqueuer struct {
	jobs []queue.StageJob
}

func (e *memoryEnqueuer) Enqueue(_ context.Context, job queue.StageJob) error {
	e.jobs = append(e.jobs, job)
	return nil
}

// fakeClient transfers blobs from an in-memory map. Per-method error
// hooks let a test fail one operation without faking the whole wire.
type fakeClient struct {
	blobs      map[string]string
	failBlobs  map[string]error
	listErr    error
	exportErr  error
	prefsErr   error
	uploaded   map[string]string
	prefsWrite json.RawMessage
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		blobs:     map[string]string{},
		failBlobs: map[string]error{},
		uploaded:  map[string]string{},
	}
}

func (f *fakeClient) LoginOld(context.Context, string) (string, error) { return "svc-auth", nil }

func (f *fakeClient) CreateAccount(context.Context, client.CreateAccountParams) error { return nil }

func (f *fakeClient) VerifyExistingAccount(context.Context) (*client.AccountStatus, error) {
	return &client.AccountStatus{Activated: false, ValidDid: true}, nil
}

func (f *fakeClient) ExportRepository(_ context.Context, w io.Writer) error {
	if f.exportErr != nil {
		return f.exportErr
	}
	_, err := io.WriteString(w, "car-bytes")
	return err
}

func (f *fakeClient) ImportRepository(_ context.Context, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (f *fakeClient) ListBlobs(_ context.Context, cursor string) (*client.BlobPage, error) {
	if cursor != "" {
		if f.listErr != nil {
			return nil, f.listErr
		}
		return &client.BlobPage{}, nil
	}
	cids := make([]string, 0, len(f.blobs))
	for cid := range f.blobs {
		cids = append(cids, cid)
	}
	if f.listErr != nil {
		// Serve one page, then break mid-pagination.
		return &client.BlobPage{Cids: cids, Cursor: "next"}, nil
	}
	return &client.BlobPage{Cids: cids}, nil
}

func (f *fakeClient) DownloadBlob(_ context.Context, cid string) (io.ReadCloser, int64, error) {
	if err, ok := f.failBlobs[cid]; ok {
		return nil, 0, err
	}
	body, ok := f.blobs[cid]
	if !ok {
		return nil, 0, errors.New("blob not found")
	}
	return io.NopCloser(strings.NewReader(body)), int64(len(body)), nil
}

func (f *fakeClient) UploadBlob(_ context.Context, cid string, r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.uploaded[cid] = string(raw)
	return nil
}

func (f *fakeClient) ExportPreferences(context.Context) (json.RawMessage, error) {
	if f.prefsErr != nil {
		return nil, f.prefsErr
	}
	return json.RawMessage(`{"preferences":[]}`), nil
}

func (f *fakeClient) ImportPreferences(_ context.Context, prefs json.RawMessage) error {
	f.prefsWrite = prefs
	return nil
}

func (f *fakeClient) RequestPlcToken(context.Context) error { return nil }

func (f *fakeClient) RecommendPlcOperation(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"rotationKeys":[]}`), nil
}

func (f *fakeClient) SignPlcOperation(_ context.Context, op json.RawMessage, _ string) (json.RawMessage, error) {
	return op, nil
}

func (f *fakeClient) SubmitPlcOperation(context.Context, json.RawMessage) error { return nil }

func (f *fakeClient) ActivateAccount(context.Context) error   { return nil }
func (f *fakeClient) DeactivateAccount(context.Context) error { return nil }

func (f *fakeClient) GenerateRotationKey(context.Context) (string, error) { return "deadbeef", nil }
func (f *fakeClient) RegisterRotationKey(context.Context, string) error   { return nil }

type fakeFactory struct {
	client *fakeClient
}

func (f *fakeFactory) ClientFor(_ context.Context, _ *models.Migration, password string) (client.Client, error) {
	if password == "" {
		return nil, errors.New("no password")
	}
	return f.client, nil
}

type workerFixture struct {
	db       db.Database
	enqueuer *memoryEnqueuer
	keeper   *secrets.Keeper
	client   *fakeClient
	worker   *Worker
}

func newWorkerFixture(t *testing.T, cfg config.MigrationConfig) *workerFixture {
	t.Helper()
	orm, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "worker.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	database := db.NewDatabase(orm)
	require.NoError(t, database.Initialize())

	if cfg.BackupDir == "" {
		cfg.BackupDir = t.TempDir()
	}

	enqueuer := &memoryEnqueuer{}
	keeper := secrets.NewKeeper(plainCipher{})
	sm := statemachine.New(zap.NewNop(), database, enqueuer, keeper, cfg)
	fc := newFakeClient()

	w := NewWorker(zap.NewNop(), cfg, database, nil, sm, &fakeFactory{client: fc}, keeper, NewLogNotifier(zap.NewNop()))

	return &workerFixture{db: database, enqueuer: enqueuer, keeper: keeper, client: fc, worker: w}
}

// seed creates a migration already parked in the given stage with live
// credentials, the way the state machine leaves it before the runner.
func (f *workerFixture) seed(t *testing.T, name string, stage models.Stage, maxAttempts int) *models.Migration {
	t.Helper()
	status, ok := models.StageStatus[stage]
	require.True(t, ok)

	m := &models.Migration{
		Did:           "did:plc:" + name,
		Token:         "tok-" + name,
		OldHost:       "https://old.example",
		NewHost:       "https://new.example",
		Status:        status,
		MigrationType: models.MigrationOut,
	}
	require.NoError(t, f.db.CreateMigration(m))

	moved, err := f.db.TransitionStatus(m.ID, status, status, stage, maxAttempts)
	require.NoError(t, err)
	require.True(t, moved)
	m.CurrentJobStep = stage
	m.CurrentJobMaxAttempts = maxAttempts

	require.NoError(t, f.keeper.SetPassword(context.Background(), m, "hunter2", 48*time.Hour, time.Now()))
	require.NoError(t, f.db.UpdateCredentials(m))
	return m
}

func stageJobData(t *testing.T, job queue.StageJob) []byte {
	t.Helper()
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	return raw
}

func TestBlobStageRecordsManifestAndAdvances(t *testing.T) {
	f := newWorkerFixture(t, config.MigrationConfig{})
	ctx := context.Background()

	m := f.seed(t, "blobs", models.StageBlobs, 3)
	f.client.blobs["b1"] = "one"
	f.client.blobs["b2"] = "two"
	f.client.blobs["b3"] = "three"
	f.client.failBlobs["b2"] = errors.New("read: connection reset by peer")

	requeue, _ := f.worker.ProcessMessage(ctx, stageJobData(t, queue.StageJob{
		MigrationID: m.ID,
		Stage:       models.StageBlobs,
		Variant:     queue.VariantDirect,
	}))
	assert.False(t, requeue)

	stored, err := f.db.GetMigration(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingPrefs, stored.Status)

	// Manifest and final counters survive the stage advance; they only
	// reset when a later transfer stage begins.
	ledger := progress.Load(stored.ProgressData)
	assert.Equal(t, []string{"b2"}, ledger.FailedBlobs())
	assert.Equal(t, int64(2), ledger.BlobsCompleted())
	assert.Equal(t, int64(3), ledger.BlobsTotal())

	assert.Equal(t, "one", f.client.uploaded["b1"])
	assert.Equal(t, "three", f.client.uploaded["b3"])
	_, uploadedFailed := f.client.uploaded["b2"]
	assert.False(t, uploadedFailed)

	// Slot released once the pass ends.
	held, err := f.db.CountTransferSlotsHeld()
	require.NoError(t, err)
	assert.Zero(t, held)
}

func TestBlobStageLocalBackupVariantStagesThroughDisk(t *testing.T) {
	f := newWorkerFixture(t, config.MigrationConfig{})
	ctx := context.Background()

	m := f.seed(t, "diskblobs", models.StageBlobs, 3)
	m.BackupRequested = true
	f.client.blobs["b1"] = "payload"

	requeue, _ := f.worker.ProcessMessage(ctx, stageJobData(t, queue.StageJob{
		MigrationID: m.ID,
		Stage:       models.StageBlobs,
		Variant:     queue.VariantLocalBackup,
	}))
	assert.False(t, requeue)
	assert.Equal(t, "payload", f.client.uploaded["b1"])
}

func TestBlobRetryOnlyPassDoesNotAdvance(t *testing.T) {
	f := newWorkerFixture(t, config.MigrationConfig{})
	ctx := context.Background()

	// Past the blob stage with a manifest left over.
	m := f.seed(t, "retryblobs", models.StagePreferences, 3)
	f.client.blobs["b2"] = "two"

	ledger := progress.Load(m.ProgressData)
	ledger.SetFailedBlobs([]string{"b2"})
	raw, err := ledger.JSON()
	require.NoError(t, err)
	require.NoError(t, f.db.UpdateProgress(m.ID, raw))

	requeue, _ := f.worker.ProcessMessage(ctx, stageJobData(t, queue.StageJob{
		MigrationID:     m.ID,
		Stage:           models.StageBlobs,
		Variant:         queue.VariantDirect,
		RetryFailedOnly: true,
	}))
	assert.False(t, requeue)

	stored, err := f.db.GetMigration(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingPrefs, stored.Status)
	assert.Empty(t, progress.Load(stored.ProgressData).FailedBlobs())
	assert.Equal(t, "two", f.client.uploaded["b2"])
}

func TestBlobListingFailureRetriesWholeStage(t *testing.T) {
	f := newWorkerFixture(t, config.MigrationConfig{})
	ctx := context.Background()

	m := f.seed(t, "listfail", models.StageBlobs, 3)
	f.client.blobs["b1"] = "one"
	f.client.listErr = errors.New("read: connection reset by peer")

	requeue, delay := f.worker.ProcessMessage(ctx, stageJobData(t, queue.StageJob{
		MigrationID: m.ID,
		Stage:       models.StageBlobs,
		Variant:     queue.VariantDirect,
	}))
	assert.True(t, requeue)
	assert.Equal(t, f.worker.cfg.NetworkRetryDelay(), delay)

	// Nothing from the partial listing moved; the whole pass reruns so
	// the unlisted blobs cannot fall through the manifest.
	assert.Empty(t, f.client.uploaded)

	stored, err := f.db.GetMigration(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingBlobs, stored.Status)
	assert.Equal(t, 1, stored.CurrentJobAttempt)
	assert.Contains(t, stored.LastError, "list blobs")

	// The broken pass released its transfer slot.
	held, err := f.db.CountTransferSlotsHeld()
	require.NoError(t, err)
	assert.Zero(t, held)
}

func TestBlobStageProducesRemainingTimeEstimate(t *testing.T) {
	f := newWorkerFixture(t, config.MigrationConfig{})
	ctx := context.Background()

	m := f.seed(t, "etablobs", models.StageBlobs, 3)
	f.client.blobs["b1"] = "one"
	f.client.blobs["b2"] = "two"
	f.client.blobs["b3"] = "three"
	f.client.failBlobs["b2"] = errors.New("read: connection reset by peer")

	// Stamp the stage entry the way the forward transition does.
	ledger := progress.Load(m.ProgressData)
	ledger.ResetStage(models.StageBlobs, time.Now().Add(-2*time.Second))
	raw, err := ledger.JSON()
	require.NoError(t, err)
	require.NoError(t, f.db.UpdateProgress(m.ID, raw))

	requeue, _ := f.worker.ProcessMessage(ctx, stageJobData(t, queue.StageJob{
		MigrationID: m.ID,
		Stage:       models.StageBlobs,
		Variant:     queue.VariantDirect,
	}))
	assert.False(t, requeue)

	// Two of three blobs landed; the blob-count rate yields an estimate
	// for the one still on the manifest.
	stored, err := f.db.GetMigration(m.ID)
	require.NoError(t, err)
	eta := progress.Load(stored.ProgressData).ETA(time.Now())
	require.NotNil(t, eta)
	assert.GreaterOrEqual(t, *eta, time.Duration(0))
}

func TestAdmissionDefersWithoutConsumingAttempt(t *testing.T) {
	f := newWorkerFixture(t, config.MigrationConfig{TransferSlotCeiling: 1})
	ctx := context.Background()

	holder := f.seed(t, "holder", models.StageBlobs, 3)
	acquired, err := f.db.TryAcquireTransferSlot(holder.ID, 1)
	require.NoError(t, err)
	require.True(t, acquired)

	m := f.seed(t, "deferred", models.StageBlobs, 3)
	f.client.blobs["b1"] = "one"

	requeue, delay := f.worker.ProcessMessage(ctx, stageJobData(t, queue.StageJob{
		MigrationID: m.ID,
		Stage:       models.StageBlobs,
		Variant:     queue.VariantDirect,
	}))
	assert.True(t, requeue)
	assert.Equal(t, f.worker.cfg.AdmissionRetryDelay(), delay)

	stored, err := f.db.GetMigration(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingBlobs, stored.Status)
	assert.Zero(t, stored.CurrentJobAttempt)
	assert.Empty(t, f.client.uploaded)

	// Slot freed, the deferred job runs to completion.
	require.NoError(t, f.db.ReleaseTransferSlot(holder.ID))
	requeue, _ = f.worker.ProcessMessage(ctx, stageJobData(t, queue.StageJob{
		MigrationID: m.ID,
		Stage:       models.StageBlobs,
		Variant:     queue.VariantDirect,
	}))
	assert.False(t, requeue)
	assert.Equal(t, "one", f.client.uploaded["b1"])
}

func TestRetryOnlyPassWaitsForTransferSlot(t *testing.T) {
	f := newWorkerFixture(t, config.MigrationConfig{TransferSlotCeiling: 1})
	ctx := context.Background()

	holder := f.seed(t, "retryholder", models.StageBlobs, 3)
	acquired, err := f.db.TryAcquireTransferSlot(holder.ID, 1)
	require.NoError(t, err)
	require.True(t, acquired)

	m := f.seed(t, "retrywait", models.StagePreferences, 3)
	f.client.blobs["b2"] = "two"

	ledger := progress.Load(m.ProgressData)
	ledger.SetFailedBlobs([]string{"b2"})
	raw, err := ledger.JSON()
	require.NoError(t, err)
	require.NoError(t, f.db.UpdateProgress(m.ID, raw))

	job := stageJobData(t, queue.StageJob{
		MigrationID:     m.ID,
		Stage:           models.StageBlobs,
		Variant:         queue.VariantDirect,
		RetryFailedOnly: true,
	})

	// Same blob traffic as the full pass, same ceiling.
	requeue, delay := f.worker.ProcessMessage(ctx, job)
	assert.True(t, requeue)
	assert.Equal(t, f.worker.cfg.AdmissionRetryDelay(), delay)
	assert.Empty(t, f.client.uploaded)

	require.NoError(t, f.db.ReleaseTransferSlot(holder.ID))
	requeue, _ = f.worker.ProcessMessage(ctx, job)
	assert.False(t, requeue)
	assert.Equal(t, "two", f.client.uploaded["b2"])
}

func TestRecoverableFailureRetriesThenMarksFailed(t *testing.T) {
	f := newWorkerFixture(t, config.MigrationConfig{})
	ctx := context.Background()

	m := f.seed(t, "prefsfail", models.StagePreferences, 2)
	f.client.prefsErr = errors.New("dial tcp: connection refused")

	job := stageJobData(t, queue.StageJob{
		MigrationID: m.ID,
		Stage:       models.StagePreferences,
		Variant:     queue.VariantDirect,
	})

	requeue, delay := f.worker.ProcessMessage(ctx, job)
	assert.True(t, requeue)
	assert.Equal(t, f.worker.cfg.NetworkRetryDelay(), delay)

	stored, err := f.db.GetMigration(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingPrefs, stored.Status)
	assert.Equal(t, 1, stored.CurrentJobAttempt)
	assert.Contains(t, stored.LastError, "connection refused")

	// Second delivery exhausts the budget.
	requeue, _ = f.worker.ProcessMessage(ctx, job)
	assert.False(t, requeue)

	stored, err = f.db.GetMigration(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestExpiredCredentialsAreTerminal(t *testing.T) {
	f := newWorkerFixture(t, config.MigrationConfig{})
	ctx := context.Background()

	m := f.seed(t, "expired", models.StagePreferences, 3)
	require.NoError(t, f.keeper.SetPassword(ctx, m, "hunter2", time.Minute, time.Now().Add(-time.Hour)))
	require.NoError(t, f.db.UpdateCredentials(m))

	requeue, _ := f.worker.ProcessMessage(ctx, stageJobData(t, queue.StageJob{
		MigrationID: m.ID,
		Stage:       models.StagePreferences,
		Variant:     queue.VariantDirect,
	}))
	assert.False(t, requeue)

	stored, err := f.db.GetMigration(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "credentials have expired")
}

func TestStaleDeliveryIsDropped(t *testing.T) {
	f := newWorkerFixture(t, config.MigrationConfig{})
	ctx := context.Background()

	// Parked in preferences; a leftover blob-stage delivery arrives.
	m := f.seed(t, "stale", models.StagePreferences, 3)

	requeue, delay := f.worker.ProcessMessage(ctx, stageJobData(t, queue.StageJob{
		MigrationID: m.ID,
		Stage:       models.StageBlobs,
		Variant:     queue.VariantDirect,
	}))
	assert.False(t, requeue)
	assert.Zero(t, delay)

	stored, err := f.db.GetMigration(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingPrefs, stored.Status)
}

func TestUnknownMigrationIsDropped(t *testing.T) {
	f := newWorkerFixture(t, config.MigrationConfig{})

	requeue, delay := f.worker.ProcessMessage(context.Background(), stageJobData(t, queue.StageJob{
		MigrationID: 9999,
		Stage:       models.StageBlobs,
		Variant:     queue.VariantDirect,
	}))
	assert.False(t, requeue)
	assert.Zero(t, delay)
}
