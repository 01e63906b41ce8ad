package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinchtab/pinchtab/internal/adapter/instanceclient"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var (
		types    []string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail the orchestrator event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			want := make(map[string]bool, len(types))
			for _, t := range types {
				want[t] = true
			}
			out := cmd.OutOrStdout()

			client := instanceclient.NewClient(root.token)
			err := client.StreamEvents(ctx, newAPIClient(root).base, func(evt instanceclient.SSEEvent) error {
				if len(want) > 0 && !want[evt.Event] {
					return nil
				}
				if root.jsonOutput {
					line, err := json.Marshal(struct {
						Event string          `json:"event"`
						Data  json.RawMessage `json:"data"`
					}{evt.Event, json.RawMessage(evt.Data)})
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, string(line))
					return err
				}
				_, err := fmt.Fprintf(out, "%s %-18s %s\n", time.Now().Format("15:04:05"), evt.Event, evt.Data)
				return err
			})
			if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Only print these event types (repeatable)")
	cmd.Flags().DurationVar(&duration, "for", 0, "Stop after this long")
	return cmd
}
