package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/airsend/airsend-core/v1/dispatch"
	"github.com/airsend/airsend-core/v1/pathlock"
)

// newEmitCommand publishes a lock event on the configured transport, for
// exercising workers and watchers by hand.
func newEmitCommand(a *app) *cobra.Command {
	var (
		path     string
		userID   int64
		lockCtx  string
		released bool
		high     bool
		expiry   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Publish a lock event to the background topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.dispatcher(dispatch.NewBus(dispatch.WithLogger(a.logger)))
			if err != nil {
				return err
			}
			var ev dispatch.Event = pathlock.LockReleased{Path: path, UserID: userID, Context: lockCtx}
			if !released {
				acquired := pathlock.LockAcquired{Path: path, UserID: userID, Context: lockCtx}
				if expiry > 0 {
					at := time.Now().Add(expiry).UTC()
					acquired.Expiry = &at
				}
				ev = acquired
			}
			if err := d.Dispatch(cmd.Context(), ev, high); err != nil {
				return err
			}
			cmd.Printf("%s published for %s\n", ev.EventName(), path)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&path, "path", "", "locked path")
	f.Int64Var(&userID, "user", 0, "lock owner")
	f.StringVar(&lockCtx, "lock-context", "", "lock context")
	f.BoolVar(&released, "released", false, "publish a release instead of an acquisition")
	f.BoolVar(&high, "high", false, "publish on the high priority topic")
	f.DurationVar(&expiry, "expiry", 0, "lock expiry from now; zero means no expiry")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}
