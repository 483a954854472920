//go:build unix

package maintenance

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func watchSignals(ctx context.Context, f *Flag) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				f.Set()
			case syscall.SIGUSR2:
				f.Clear()
			}
		}
	}
}
