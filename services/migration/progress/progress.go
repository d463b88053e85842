// Package progress maintains the per-migration progress document: byte
// and blob counters, stage timestamps, the failed-blob manifest and the
// derived completion percentage and ETA. The document is stored as JSON
// on the migration row and treated as open key/value data.
package progress

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

const (
	keyStage            = "stage"
	keyStageStartedAt   = "stage_started_at"
	keyBlobsTotal       = "blobs_total"
	keyBlobsCompleted   = "blobs_completed"
	keyBytesTotal       = "bytes_total"
	keyBytesTransferred = "bytes_transferred"
	keyFailedBlobs      = "failed_blobs"
)

// DefaultStageWeights is the percent shown on entry to each status.
// Presentation detail; deployments may override via config as long as
// the ordering stays monotonic.
var DefaultStageWeights = map[string]int{
	string(models.StatusPendingDownload):   0,
	string(models.StatusPendingBackup):     15,
	string(models.StatusBackupReady):       20,
	string(models.StatusPendingAccount):    20,
	string(models.StatusAccountCreated):    25,
	string(models.StatusPendingRepo):       30,
	string(models.StatusPendingBlobs):      35,
	string(models.StatusPendingPrefs):      70,
	string(models.StatusPendingPlc):        80,
	string(models.StatusPendingActivation): 90,
	string(models.StatusCompleted):         100,
}

// blob-stage percent interpolates between these two boundaries by byte
// ratio.
const blobStageCeiling = string(models.StatusPendingPrefs)

type Ledger struct {
	data map[string]any
}

func Load(raw datatypes.JSON) *Ledger {
	l := &Ledger{data: map[string]any{}}
	if len(raw) > 0 {
		// A malformed document is replaced rather than failing the
		// pipeline over bookkeeping.
		_ = json.Unmarshal(raw, &l.data)
		if l.data == nil {
			l.data = map[string]any{}
		}
	}
	return l
}

func (l *Ledger) JSON() (datatypes.JSON, error) {
	b, err := json.Marshal(l.data)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func (l *Ledger) counter(key string) int64 {
	switch v := l.data[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// setCounter only moves forward; within a stage a counter never goes
// backwards. ResetStage is the only way down.
func (l *Ledger) setCounter(key string, v int64) {
	if v > l.counter(key) {
		l.data[key] = v
	}
}

// transferStages begin a fresh transfer, so entering one zeroes the
// counters. Entry to any later stage keeps the final blob numbers
// visible on the status read.
var transferStages = map[models.Stage]bool{
	models.StageDownload: true,
	models.StageRepo:     true,
	models.StageBlobs:    true,
}

// ResetStage stamps the stage entry. Called on stage (re)entry only,
// never on a retry within a stage.
func (l *Ledger) ResetStage(stage models.Stage, now time.Time) {
	l.data[keyStage] = string(stage)
	l.data[keyStageStartedAt] = now.UTC().Format(time.RFC3339)
	if transferStages[stage] {
		l.data[keyBlobsTotal] = int64(0)
		l.data[keyBlobsCompleted] = int64(0)
		l.data[keyBytesTotal] = int64(0)
		l.data[keyBytesTransferred] = int64(0)
	}
}

func (l *Ledger) StageStartedAt() (time.Time, bool) {
	s, ok := l.data[keyStageStartedAt].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (l *Ledger) SetTotals(blobs, bytes int64) {
	l.setCounter(keyBlobsTotal, blobs)
	l.setCounter(keyBytesTotal, bytes)
}

func (l *Ledger) IncBlobsCompleted() {
	l.data[keyBlobsCompleted] = l.counter(keyBlobsCompleted) + 1
}

func (l *Ledger) AddBytesTransferred(n int64) {
	if n > 0 {
		l.data[keyBytesTransferred] = l.counter(keyBytesTransferred) + n
	}
}

func (l *Ledger) BlobsCompleted() int64   { return l.counter(keyBlobsCompleted) }
func (l *Ledger) BlobsTotal() int64       { return l.counter(keyBlobsTotal) }
func (l *Ledger) BytesTransferred() int64 { return l.counter(keyBytesTransferred) }
func (l *Ledger) BytesTotal() int64       { return l.counter(keyBytesTotal) }

func (l *Ledger) FailedBlobs() []string {
	raw, ok := l.data[keyFailedBlobs].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (l *Ledger) AddFailedBlob(cid string) {
	for _, existing := range l.FailedBlobs() {
		if existing == cid {
			return
		}
	}
	raw, _ := l.data[keyFailedBlobs].([]any)
	l.data[keyFailedBlobs] = append(raw, cid)
}

func (l *Ledger) SetFailedBlobs(cids []string) {
	raw := make([]any, 0, len(cids))
	for _, c := range cids {
		raw = append(raw, c)
	}
	l.data[keyFailedBlobs] = raw
}

// SetFlag records a free-form marker, e.g. that the PLC token was
// re-sent.
func (l *Ledger) SetFlag(key string, v any) {
	l.data[key] = v
}

func (l *Ledger) Flag(key string) (any, bool) {
	v, ok := l.data[key]
	return v, ok
}

// Percent derives the 0-100 completion estimate for the given status.
// The blob stage interpolates between its own weight and the next one by
// byte ratio; everything else reports its stage boundary. Monotonic
// across the forward path for any weight override that keeps the
// ordering.
func (l *Ledger) Percent(status models.MigrationStatus, overrides map[string]int) int {
	weights := DefaultStageWeights
	if len(overrides) > 0 {
		merged := make(map[string]int, len(weights))
		for k, v := range weights {
			merged[k] = v
		}
		for k, v := range overrides {
			merged[k] = v
		}
		weights = merged
	}

	if status == models.StatusFailed {
		// A failed migration keeps reporting the boundary of its last
		// attempted stage; the classifier carries the rest of the story.
		if s, ok := l.data[keyStage].(string); ok {
			if st, ok := models.StageStatus[models.Stage(s)]; ok {
				return weights[string(st)]
			}
		}
		return 0
	}

	base, ok := weights[string(status)]
	if !ok {
		return 0
	}

	if status == models.StatusPendingBlobs {
		ceiling := weights[blobStageCeiling]
		if ceiling > base {
			// Byte ratio when known, blob-count ratio otherwise.
			total, done := l.BytesTotal(), l.BytesTransferred()
			if total <= 0 {
				total, done = l.BlobsTotal(), l.BlobsCompleted()
			}
			if total > 0 {
				if done > total {
					done = total
				}
				return base + int(int64(ceiling-base)*done/total)
			}
		}
	}

	return base
}

// ETA estimates remaining transfer time from the rate since stage
// entry. Bytes drive the estimate when the stage knows its byte total;
// blob listing only yields cids, so the blob stage usually falls back
// to the completed-blob rate. Nil until something has moved.
func (l *Ledger) ETA(now time.Time) *time.Duration {
	started, ok := l.StageStartedAt()
	if !ok {
		return nil
	}
	elapsed := now.Sub(started)
	if elapsed <= 0 {
		return nil
	}

	done, total := l.BytesTransferred(), l.BytesTotal()
	if total <= 0 {
		done, total = l.BlobsCompleted(), l.BlobsTotal()
	}
	if done <= 0 || total <= done {
		return nil
	}
	rate := float64(done) / elapsed.Seconds()
	if rate <= 0 {
		return nil
	}
	eta := time.Duration(float64(total-done)/rate) * time.Second
	return &eta
}
