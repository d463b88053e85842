package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

func TestPercentMonotonicAcrossStatuses(t *testing.T) {
	l := Load(nil)

	path := []models.MigrationStatus{
		models.StatusPendingDownload,
		models.StatusPendingBackup,
		models.StatusBackupReady,
		models.StatusPendingAccount,
		models.StatusAccountCreated,
		models.StatusPendingRepo,
		models.StatusPendingBlobs,
		models.StatusPendingPrefs,
		models.StatusPendingPlc,
		models.StatusPendingActivation,
		models.StatusCompleted,
	}

	prev := -1
	for _, status := range path {
		p := l.Percent(status, nil)
		assert.GreaterOrEqual(t, p, prev, "percent went backwards at %s", status)
		assert.GreaterOrEqual(t, p, 0)
		assert.LessOrEqual(t, p, 100)
		prev = p
	}
	assert.Equal(t, 100, l.Percent(models.StatusCompleted, nil))
}

func TestPercentBlobStageInterpolatesByBytes(t *testing.T) {
	l := Load(nil)
	l.ResetStage(models.StageBlobs, time.Now())
	l.SetTotals(10, 1000)

	base := l.Percent(models.StatusPendingBlobs, nil)
	assert.Equal(t, 35, base)

	l.AddBytesTransferred(500)
	mid := l.Percent(models.StatusPendingBlobs, nil)
	assert.Greater(t, mid, base)
	assert.Less(t, mid, 70)

	l.AddBytesTransferred(500)
	assert.Equal(t, 70, l.Percent(models.StatusPendingBlobs, nil))

	// Over-reporting must not push past the stage ceiling.
	l.AddBytesTransferred(5000)
	assert.LessOrEqual(t, l.Percent(models.StatusPendingBlobs, nil), 70)
}

func TestPercentBlobStageFallsBackToBlobCount(t *testing.T) {
	l := Load(nil)
	l.ResetStage(models.StageBlobs, time.Now())
	l.SetTotals(4, 0)

	l.IncBlobsCompleted()
	l.IncBlobsCompleted()
	p := l.Percent(models.StatusPendingBlobs, nil)
	assert.Greater(t, p, 35)
	assert.Less(t, p, 70)
}

func TestPercentFailedReportsLastStageBoundary(t *testing.T) {
	l := Load(nil)
	l.ResetStage(models.StageRepo, time.Now())

	assert.Equal(t, DefaultStageWeights[string(models.StatusPendingRepo)],
		l.Percent(models.StatusFailed, nil))
}

func TestPercentWeightOverrides(t *testing.T) {
	l := Load(nil)
	p := l.Percent(models.StatusPendingAccount, map[string]int{
		string(models.StatusPendingAccount): 40,
	})
	assert.Equal(t, 40, p)
}

func TestCountersMonotonicWithinStage(t *testing.T) {
	l := Load(nil)
	l.ResetStage(models.StageBlobs, time.Now())

	l.SetTotals(10, 1000)
	l.SetTotals(5, 500) // must not shrink
	assert.Equal(t, int64(10), l.BlobsTotal())
	assert.Equal(t, int64(1000), l.BytesTotal())

	l.ResetStage(models.StageBlobs, time.Now())
	assert.Equal(t, int64(0), l.BlobsTotal())
}

func TestFailedBlobManifest(t *testing.T) {
	l := Load(nil)
	l.AddFailedBlob("b2")
	l.AddFailedBlob("b5")
	l.AddFailedBlob("b2") // dedup
	assert.Equal(t, []string{"b2", "b5"}, l.FailedBlobs())

	l.SetFailedBlobs([]string{"b5"})
	assert.Equal(t, []string{"b5"}, l.FailedBlobs())

	l.SetFailedBlobs(nil)
	assert.Empty(t, l.FailedBlobs())
}

func TestLedgerSurvivesRoundTrip(t *testing.T) {
	l := Load(nil)
	l.ResetStage(models.StageBlobs, time.Now())
	l.SetTotals(3, 300)
	l.IncBlobsCompleted()
	l.AddBytesTransferred(100)
	l.AddFailedBlob("bad-cid")
	l.SetFlag("plc_token_resent", true)

	raw, err := l.JSON()
	require.NoError(t, err)

	restored := Load(raw)
	assert.Equal(t, int64(3), restored.BlobsTotal())
	assert.Equal(t, int64(1), restored.BlobsCompleted())
	assert.Equal(t, int64(100), restored.BytesTransferred())
	assert.Equal(t, []string{"bad-cid"}, restored.FailedBlobs())
	v, ok := restored.Flag("plc_token_resent")
	assert.True(t, ok)
	assert.Equal(t, true, v)
}

func TestLoadToleratesMalformedDocument(t *testing.T) {
	l := Load([]byte("{not json"))
	assert.Equal(t, int64(0), l.BlobsTotal())
	l.IncBlobsCompleted()
	assert.Equal(t, int64(1), l.BlobsCompleted())
}

func TestETA(t *testing.T) {
	start := time.Now().Add(-10 * time.Second)
	l := Load(nil)
	l.ResetStage(models.StageBlobs, start)
	l.SetTotals(0, 2000)
	l.AddBytesTransferred(1000)

	eta := l.ETA(start.Add(10 * time.Second))
	require.NotNil(t, eta)
	// 1000 bytes left at 100 bytes/s.
	assert.InDelta(t, (10 * time.Second).Seconds(), eta.Seconds(), 1.5)

	// No bytes flowing yet: no estimate.
	empty := Load(nil)
	empty.ResetStage(models.StageBlobs, start)
	assert.Nil(t, empty.ETA(time.Now()))
}

func TestETAFallsBackToBlobCountRate(t *testing.T) {
	start := time.Now().Add(-10 * time.Second)
	l := Load(nil)
	l.ResetStage(models.StageBlobs, start)

	// Listing only yields cids, so the byte total stays unknown.
	l.SetTotals(4, 0)
	l.IncBlobsCompleted()
	l.IncBlobsCompleted()

	eta := l.ETA(start.Add(10 * time.Second))
	require.NotNil(t, eta)
	// 2 blobs left at 0.2 blobs/s.
	assert.InDelta(t, (10 * time.Second).Seconds(), eta.Seconds(), 1.5)

	// Nothing left once the last blobs land.
	l.IncBlobsCompleted()
	l.IncBlobsCompleted()
	assert.Nil(t, l.ETA(start.Add(20*time.Second)))
}
