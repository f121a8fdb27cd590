package syncctl

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func TestClampJitterRatio(t *testing.T) {
	assert.Equal(t, 0.0, ClampJitterRatio(-0.1))
	assert.Equal(t, 1.0, ClampJitterRatio(1.5))
	assert.Equal(t, 0.4, ClampJitterRatio(0.4))
}

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, JitteredInterval(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, JitteredInterval(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, JitteredInterval(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, JitteredInterval(base, 0.2, 1))
	assert.Equal(t, time.Millisecond, JitteredInterval(base, 1, 0))
	assert.Zero(t, JitteredInterval(0, 0.2, 0.5))
}

type scriptedSource struct {
	calls atomic.Int32
	fail  map[int32]error
}

func (s *scriptedSource) Status(context.Context) (relaysync.Status, error) {
	call := s.calls.Add(1)
	if err := s.fail[call]; err != nil {
		return relaysync.Status{}, err
	}
	return relaysync.Status{Statistics: relaysync.Statistics{EventsProcessed: int64(call)}}, nil
}

func TestWatchPollsUntilHandlerStops(t *testing.T) {
	outage := errors.New("connection refused")
	source := &scriptedSource{fail: map[int32]error{2: outage}}
	done := errors.New("done")

	var seen []int64
	var failures []error
	err := Watch(context.Background(), source, WatchOptions{
		Interval: time.Millisecond,
		Jitter:   0.5,
		Sample:   func() float64 { return 0.5 },
		OnStatus: func(status relaysync.Status) error {
			seen = append(seen, status.Statistics.EventsProcessed)
			if len(seen) == 3 {
				return done
			}
			return nil
		},
		OnError: func(err error) { failures = append(failures, err) },
	})
	require.ErrorIs(t, err, done)
	assert.Equal(t, []int64{1, 3, 4}, seen)
	assert.Equal(t, []error{outage}, failures)
}

func TestWatchReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &scriptedSource{}
	err := Watch(ctx, source, WatchOptions{
		Interval: time.Hour,
		OnStatus: func(relaysync.Status) error {
			cancel()
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), source.calls.Load())
}
