package engine

import (
	"context"
	"time"
)

// WaitConfig bounds a settle-wait: polling at a fixed interval until the
// condition holds or the timeout elapses.
type WaitConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultWait is the settle-wait used for asynchronous provider teardown
// (scaling group drain, load balancer deletion).
var DefaultWait = WaitConfig{Interval: 10 * time.Second, Timeout: 10 * time.Minute}

// waitUntil polls fn until it reports done, the bound elapses, or the context
// is cancelled. Exceeding the bound surfaces as a timeout error, never as an
// indefinite hang.
func waitUntil(ctx context.Context, cfg WaitConfig, what string, fn func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(cfg.Timeout)
	for {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return NewTimeoutError("timed out waiting for "+what, nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
}
