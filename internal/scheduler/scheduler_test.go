package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/govfees/payrecon/internal/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testScheduler(cfg Config, jobs ...namedJob) *Scheduler {
	return &Scheduler{
		log:   zap.NewNop(),
		cfg:   cfg.withDefaults(),
		clock: clock.NewFakeClock(time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)),
		jobs:  jobs,
	}
}

func TestRunOnceRunsJobsInOrder(t *testing.T) {
	var order []string
	s := testScheduler(Config{},
		namedJob{name: "dispatch", run: func(context.Context) error {
			order = append(order, "dispatch")
			return nil
		}},
		namedJob{name: "eft_link", run: func(context.Context) error {
			order = append(order, "eft_link")
			return nil
		}},
	)

	require.NoError(t, s.RunOnce(context.Background()))
	require.Equal(t, []string{"dispatch", "eft_link"}, order)
}

func TestFailedJobDoesNotStopTheNext(t *testing.T) {
	boom := errors.New("boom")
	ran := false
	s := testScheduler(Config{},
		namedJob{name: "dispatch", run: func(context.Context) error { return boom }},
		namedJob{name: "eft_link", run: func(context.Context) error {
			ran = true
			return nil
		}},
	)

	err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "dispatch")
	require.True(t, ran)
}

func TestEnabledJobsFilter(t *testing.T) {
	var order []string
	s := testScheduler(Config{EnabledJobs: []string{"EFT_LINK"}},
		namedJob{name: "dispatch", run: func(context.Context) error {
			order = append(order, "dispatch")
			return nil
		}},
		namedJob{name: "eft_link", run: func(context.Context) error {
			order = append(order, "eft_link")
			return nil
		}},
	)

	require.NoError(t, s.RunOnce(context.Background()))
	require.Equal(t, []string{"eft_link"}, order)
}

func TestDeadlineIsSoftTimeout(t *testing.T) {
	s := testScheduler(Config{},
		namedJob{name: "dispatch", run: func(ctx context.Context) error {
			return context.DeadlineExceeded
		}},
	)

	require.NoError(t, s.RunOnce(context.Background()))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 5*time.Minute, cfg.RunInterval)
	require.Equal(t, 10*time.Minute, cfg.JobTimeout)

	cfg = Config{RunInterval: time.Minute, JobTimeout: time.Second}.withDefaults()
	require.Equal(t, time.Minute, cfg.RunInterval)
	require.Equal(t, time.Second, cfg.JobTimeout)
}
