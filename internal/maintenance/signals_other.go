//go:build !unix

package maintenance

import "context"

func watchSignals(ctx context.Context, _ *Flag) {
	<-ctx.Done()
}
