package syncctl

import (
	"context"
	"math/rand"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

type StatusSource interface {
	Status(ctx context.Context) (relaysync.Status, error)
}

type WatchOptions struct {
	Interval time.Duration
	// Jitter spreads polls by up to this fraction of Interval in either direction.
	Jitter  float64
	Timeout time.Duration
	Sample  func() float64
	// OnStatus receives every successful poll; OnError every failed one. Returning an
	// error from OnStatus stops the watch.
	OnStatus func(relaysync.Status) error
	OnError  func(error)
}

// Watch polls the status endpoint until ctx ends. Poll failures are reported and
// polling continues.
func Watch(ctx context.Context, source StatusSource, opts WatchOptions) error {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	opts.Jitter = ClampJitterRatio(opts.Jitter)
	sample := opts.Sample
	if sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		sample = rng.Float64
	}

	poll := func() error {
		pollCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		status, err := source.Status(pollCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if opts.OnError != nil {
				opts.OnError(err)
			}
			return nil
		}
		if opts.OnStatus != nil {
			return opts.OnStatus(status)
		}
		return nil
	}

	if err := poll(); err != nil {
		return err
	}
	timer := time.NewTimer(JitteredInterval(opts.Interval, opts.Jitter, sample()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := poll(); err != nil {
				return err
			}
			timer.Reset(JitteredInterval(opts.Interval, opts.Jitter, sample()))
		}
	}
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval maps sample in [0,1] onto [base*(1-ratio), base*(1+ratio)].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
