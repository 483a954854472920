package readiness

import (
	"context"
	"time"
)

// Watch polls check every interval until ctx is done and reports edges
// through status: a failing check after success reports a loss, a passing
// check after a loss reports the restore. Components whose client library
// has no connection callbacks use it to drive their Signal.
func Watch(ctx context.Context, interval time.Duration, check func(context.Context) error, status func(connected bool, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			err := check(checkCtx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			switch {
			case err != nil && healthy:
				healthy = false
				status(false, err)
			case err == nil && !healthy:
				healthy = true
				status(true, nil)
			}
		}
	}
}
