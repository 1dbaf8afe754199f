package sqlitejobstore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jukasdrj/alexandria-enrich/internal/model"
	"github.com/jukasdrj/alexandria-enrich/internal/store/sqlitejobstore"
)

func newTestStore(t *testing.T) *sqlitejobstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.sqlite3")
	s, err := sqlitejobstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndInFlightRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	job := model.BackfillJobStatus{
		JobID:     "j1",
		Year:      2020,
		Month:     1,
		Status:    model.BackfillProcessing,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Stats:     model.BackfillStats{CandidatesGenerated: 20},
	}
	require.NoError(t, s.Save(ctx, job))

	inFlight, err := s.InFlight(ctx)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, "j1", inFlight[0].JobID)
	assert.Equal(t, 20, inFlight[0].Stats.CandidatesGenerated)
}

func TestCompletedJobsExcludedFromInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	job := model.BackfillJobStatus{
		JobID:     "j2",
		Status:    model.BackfillComplete,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.Save(ctx, job))

	inFlight, err := s.InFlight(ctx)
	require.NoError(t, err)
	assert.Empty(t, inFlight)
}

func TestDeleteRemovesJob(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	job := model.BackfillJobStatus{
		JobID:     "j3",
		Status:    model.BackfillProcessing,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.Save(ctx, job))
	require.NoError(t, s.Delete(ctx, "j3"))

	inFlight, err := s.InFlight(ctx)
	require.NoError(t, err)
	assert.Empty(t, inFlight)
}
