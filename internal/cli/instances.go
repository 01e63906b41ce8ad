package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pinchtab/pinchtab/internal/domain"
)

func newInstancesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"ps"},
		Short:   "List tracked instances",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(root)
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				var inst domain.Instance
				if err := client.get(cmd.Context(), "/instances/"+url.PathEscape(args[0]), &inst); err != nil {
					return err
				}
				return printInstance(cmd, root, inst)
			}

			var list []domain.Instance
			if err := client.get(cmd.Context(), "/instances", &list); err != nil {
				return err
			}
			if root.jsonOutput {
				return printJSON(out, list)
			}
			if len(list) == 0 {
				printEmpty(out, "instances")
				return nil
			}
			t := newTable(out, "ID", "PROFILE", "PORT", "STATUS", "PID", "TABS", "UPTIME", "ERROR")
			for _, inst := range list {
				uptime := "-"
				if !inst.Status.Terminal() {
					uptime = since(inst.StartTime)
				}
				t.AppendRow([]interface{}{inst.ID, inst.Name, inst.Port, inst.Status, inst.PID, inst.TabCount, uptime, inst.Error})
			}
			t.Render()
			return nil
		},
	}
	return cmd
}

func newLaunchCmd(root *rootOptions) *cobra.Command {
	var (
		port   string
		headed bool
	)
	cmd := &cobra.Command{
		Use:   "launch <profile>",
		Short: "Launch an instance for a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"name":     args[0],
				"port":     port,
				"headless": !headed,
			}
			var inst domain.Instance
			if err := newAPIClient(root).post(cmd.Context(), "/instances/launch", body, &inst); err != nil {
				return err
			}
			return printInstance(cmd, root, inst)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "Port for the instance; empty picks a free one")
	cmd.Flags().BoolVar(&headed, "headed", false, "Show the browser window")
	return cmd
}

func newStopCmd(root *rootOptions) *cobra.Command {
	var (
		profile bool
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "stop <instance-id>",
		Short: "Stop an instance",
		Long: `Stop an instance by id, or with --profile the instance bound to a profile.
The stop is asynchronous unless --wait is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/instances/" + url.PathEscape(args[0]) + "/stop"
			if profile {
				path = "/profiles/" + url.PathEscape(args[0]) + "/stop"
			}
			if wait {
				path += "?wait=true"
			}

			var resp struct {
				ID     string                `json:"id"`
				Status domain.InstanceStatus `json:"status"`
				Error  string                `json:"error"`
			}
			if err := newAPIClient(root).post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			if root.jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.ID, resp.Status)
			if resp.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&profile, "profile", false, "Treat the argument as a profile name")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the instance has stopped")
	return cmd
}

func newLogsCmd(root *rootOptions) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <instance-id>",
		Short: "Print captured output of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/instances/" + url.PathEscape(args[0]) + "/logs"
			if lines > 0 {
				path += "?lines=" + strconv.Itoa(lines)
			}
			var text string
			if err := newAPIClient(root).get(cmd.Context(), path, &text); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 0, "Only the last N lines")
	return cmd
}

func printInstance(cmd *cobra.Command, root *rootOptions, inst domain.Instance) error {
	out := cmd.OutOrStdout()
	if root.jsonOutput {
		return printJSON(out, inst)
	}
	t := newTable(out, "KEY", "VALUE")
	t.AppendRow([]interface{}{"id", inst.ID})
	t.AppendRow([]interface{}{"profile", inst.Name})
	t.AppendRow([]interface{}{"port", inst.Port})
	t.AppendRow([]interface{}{"status", inst.Status})
	t.AppendRow([]interface{}{"headless", inst.Headless})
	if inst.PID != 0 {
		t.AppendRow([]interface{}{"pid", inst.PID})
	}
	if inst.URL != "" {
		t.AppendRow([]interface{}{"url", inst.URL})
	}
	if inst.Error != "" {
		t.AppendRow([]interface{}{"error", inst.Error})
	}
	t.Render()
	return nil
}
