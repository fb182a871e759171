package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agrometeo/metgo/internal/ingest"
	"github.com/agrometeo/metgo/internal/store"
	"github.com/agrometeo/metgo/internal/weather"
	"github.com/agrometeo/metgo/internal/weather/providers"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	coord := ingest.New(st, []weather.Adapter{providers.NewSyntheticAdapter()},
		zap.NewNop(), ingest.Options{SyntheticFallback: true})
	stations := []weather.Station{{ID: "quillota_centro", Name: "Quillota Centro"}}

	return New(coord, st, stations, Options{
		RefreshMinutes: 60,
		RetentionDays:  30,
	}, zap.NewNop()), st
}

func TestStartRunsCatchUpOnce(t *testing.T) {
	s, st := newTestScheduler(t)

	require.NoError(t, s.Start())
	defer s.Stop()

	// With no prior job state every job catches up exactly once, so the
	// synthetic fallback has already populated the last-hour window.
	latest, err := st.Latest("quillota_centro")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, weather.SourceSynthetic, latest.Source)

	_, known, err := st.JobLastRun(JobPeriodicRefresh)
	require.NoError(t, err)
	require.True(t, known)
	_, known, err = st.JobLastRun(JobRetentionPurge)
	require.NoError(t, err)
	require.True(t, known)
}

func TestRunJobBacksOffWhenStoreUnavailable(t *testing.T) {
	s, _ := newTestScheduler(t)

	var calls int
	failing := func(context.Context) error {
		calls++
		return fmt.Errorf("writing rollup: %w", weather.ErrStoreUnavailable)
	}
	s.runJob(JobDailySummarize, failing)
	require.Equal(t, 1, calls)

	// The next tick lands inside the deferral window and is skipped.
	s.runJob(JobDailySummarize, failing)
	require.Equal(t, 1, calls)

	// Consecutive failures double the deferral up to the cap.
	require.Equal(t, 2*time.Minute, s.extendBackoff(JobDailySummarize))
	require.Equal(t, 4*time.Minute, s.extendBackoff(JobDailySummarize))
	for i := 0; i < 10; i++ {
		s.extendBackoff(JobDailySummarize)
	}
	require.Equal(t, jobBackoffMax, s.extendBackoff(JobDailySummarize))

	// A successful run clears the state and later ticks proceed.
	s.clearBackoff(JobDailySummarize)
	s.runJob(JobDailySummarize, func(context.Context) error {
		calls++
		return nil
	})
	require.Equal(t, 2, calls)
	require.False(t, s.inBackoff(JobDailySummarize))
}

func TestRunJobRetriesNonStoreFailuresNextTick(t *testing.T) {
	s, _ := newTestScheduler(t)

	var calls int
	flaky := func(context.Context) error {
		calls++
		return fmt.Errorf("provider chain exhausted")
	}
	s.runJob(JobPeriodicRefresh, flaky)
	s.runJob(JobPeriodicRefresh, flaky)
	require.Equal(t, 2, calls)
}

func TestCatchUpSkippedWhenRecent(t *testing.T) {
	s, st := newTestScheduler(t)

	// A run recorded moments ago is inside every period: no catch-up.
	now := time.Now().UTC()
	for _, job := range []string{JobPeriodicRefresh, JobDailySummarize, JobRetentionPurge} {
		require.NoError(t, st.SetJobLastRun(job, now))
	}

	require.NoError(t, s.Start())
	defer s.Stop()

	latest, err := st.Latest("quillota_centro")
	require.NoError(t, err)
	require.Nil(t, latest)
}

func TestPurgeSummarizesBeforeDeleting(t *testing.T) {
	s, st := newTestScheduler(t)

	oldDay := time.Now().UTC().AddDate(0, 0, -60).Truncate(24 * time.Hour)
	for h := 0; h < 3; h++ {
		_, err := st.UpsertObservation(weather.Observation{
			StationID: "quillota_centro",
			Timestamp: oldDay.Add(time.Duration(h) * time.Hour),
			TempMean:  weather.Float(12),
			Source:    weather.SourceOpenMeteo,
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.purge(s.ctx))

	rows, err := st.Query([]string{"quillota_centro"}, oldDay, oldDay.Add(23*time.Hour))
	require.NoError(t, err)
	require.Empty(t, rows)

	summaries, err := st.DailySummaries([]string{"quillota_centro"}, oldDay, oldDay)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 3, summaries[0].Observations)
}

func TestStopReturnsPromptly(t *testing.T) {
	s, _ := newTestScheduler(t)
	require.NoError(t, s.Start())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
