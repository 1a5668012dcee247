// Command airsend-core runs the background side of AirSend: queue workers
// that replay dispatched events, the HTTP bridge they can relay to, live
// lock notifications, and the lock table migrations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := newApp()
	err := execute(ctx, a, newRootCommand(a))
	stop()
	if err != nil {
		os.Exit(1)
	}
}
