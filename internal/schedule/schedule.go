// Package schedule runs periodic jobs such as the knowledge refresh.
package schedule

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Every runs f once right away and then on every tick of interval until ctx
// is cancelled. f runs on the calling goroutine, so a slow run delays the
// next one instead of overlapping it.
func Every(ctx context.Context, clk clock.Clock, interval time.Duration, f func(ctx context.Context)) {
	if clk == nil {
		clk = clock.New()
	}
	t := clk.Ticker(interval)
	defer t.Stop()

	f(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			f(ctx)
		}
	}
}
