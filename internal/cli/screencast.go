package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type screencastOptions struct {
	instance string
	tabID    string
	outDir   string
	frames   int
	quality  int
	maxWidth int
	fps      int
}

func newScreencastCmd(root *rootOptions) *cobra.Command {
	opts := &screencastOptions{}
	cmd := &cobra.Command{
		Use:   "screencast",
		Short: "Save screencast frames relayed from an instance",
		Long: `Connect to the screencast relay and write each frame to --out as a numbered
JPEG file. Without --instance the tab owner (or the main instance) is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := runScreencast(cmd.Context(), newAPIClient(root), opts)
			if n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %d frames to %s\n", n, opts.outDir)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.instance, "instance", "", "Instance id to watch")
	f.StringVar(&opts.tabID, "tab", "", "Tab id to watch")
	f.StringVarP(&opts.outDir, "out", "o", "frames", "Directory for saved frames")
	f.IntVarP(&opts.frames, "frames", "n", 0, "Stop after N frames (0 streams until closed)")
	f.IntVar(&opts.quality, "quality", 0, "JPEG quality requested from the child")
	f.IntVar(&opts.maxWidth, "max-width", 0, "Maximum frame width requested from the child")
	f.IntVar(&opts.fps, "fps", 0, "Frame rate requested from the child")
	return cmd
}

func (o *screencastOptions) query() url.Values {
	q := url.Values{}
	if o.tabID != "" {
		q.Set("tabId", o.tabID)
	}
	for key, v := range map[string]int{"quality": o.quality, "maxWidth": o.maxWidth, "fps": o.fps} {
		if v > 0 {
			q.Set(key, strconv.Itoa(v))
		}
	}
	return q
}

// runScreencast returns the number of frames written.
func runScreencast(ctx context.Context, client *apiClient, opts *screencastOptions) (int, error) {
	path := "/screencast"
	if opts.instance != "" {
		path = "/instances/" + url.PathEscape(opts.instance) + "/screencast"
	}
	target, err := client.wsURL(path, opts.query())
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	header := http.Header{}
	if client.token != "" {
		header.Set("Authorization", "Bearer "+client.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return 0, fmt.Errorf("dial %s: %w (HTTP %d)", target, err, resp.StatusCode)
		}
		return 0, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	saved := 0
	for opts.frames <= 0 || saved < opts.frames {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return saved, nil
			}
			return saved, fmt.Errorf("screencast ended: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		name := filepath.Join(opts.outDir, fmt.Sprintf("frame-%05d.jpg", saved))
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return saved, fmt.Errorf("failed to write frame: %w", err)
		}
		saved++
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return saved, nil
}
