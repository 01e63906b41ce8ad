package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/pinchtab/pinchtab/internal/domain"
)

func newProfilesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "profiles",
		Aliases: []string{"profile"},
		Short:   "List and manage profiles",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listProfiles(cmd, root, false)
		},
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listProfiles(cmd, root, all)
		},
	}
	list.Flags().BoolVar(&all, "all", false, "Include temporary profiles")

	var meta domain.ProfileMeta
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"name": args[0], "useWhen": meta.UseWhen, "description": meta.Description}
			var p domain.Profile
			if err := newAPIClient(root).post(cmd.Context(), "/profiles", body, &p); err != nil {
				return err
			}
			return printProfile(cmd, root, p)
		},
	}
	create.Flags().StringVar(&meta.UseWhen, "use-when", "", "When agents should pick this profile")
	create.Flags().StringVar(&meta.Description, "description", "", "Free-form description")

	var source string
	imp := &cobra.Command{
		Use:   "import <name>",
		Short: "Import an existing Chrome user-data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"name": args[0], "source": source, "useWhen": meta.UseWhen, "description": meta.Description}
			var p domain.Profile
			if err := newAPIClient(root).post(cmd.Context(), "/profiles/import", body, &p); err != nil {
				return err
			}
			return printProfile(cmd, root, p)
		},
	}
	imp.Flags().StringVar(&source, "source", "", "Chrome user-data directory to copy")
	imp.Flags().StringVar(&meta.UseWhen, "use-when", "", "When agents should pick this profile")
	imp.Flags().StringVar(&meta.Description, "description", "", "Free-form description")
	_ = imp.MarkFlagRequired("source")

	var force bool
	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a profile and its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/profiles/" + url.PathEscape(args[0])
			if force {
				path += "?force=true"
			}
			if err := newAPIClient(root).delete(cmd.Context(), path, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted profile %s\n", args[0])
			return nil
		},
	}
	del.Flags().BoolVar(&force, "force", false, "Stop a running instance first")

	reset := &cobra.Command{
		Use:   "reset <name>",
		Short: "Clear browsing data of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(root).post(cmd.Context(), "/profiles/"+url.PathEscape(args[0])+"/reset", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset profile %s\n", args[0])
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p domain.Profile
			if err := newAPIClient(root).get(cmd.Context(), "/profiles/"+url.PathEscape(args[0]), &p); err != nil {
				return err
			}
			return printProfile(cmd, root, p)
		},
	}

	cmd.AddCommand(list, create, imp, del, reset, show)
	return cmd
}

func listProfiles(cmd *cobra.Command, root *rootOptions, all bool) error {
	path := "/profiles"
	if all {
		path += "?all=true"
	}
	var list []domain.Profile
	if err := newAPIClient(root).get(cmd.Context(), path, &list); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if root.jsonOutput {
		return printJSON(out, list)
	}
	if len(list) == 0 {
		printEmpty(out, "profiles")
		return nil
	}
	t := newTable(out, "NAME", "ID", "SOURCE", "SIZE (MB)", "RUNNING", "USE WHEN")
	for _, p := range list {
		t.AppendRow([]interface{}{p.Name, p.ID, p.Source, strconv.FormatFloat(p.SizeMB, 'f', 1, 64), p.Running, p.UseWhen})
	}
	t.Render()
	return nil
}

func printProfile(cmd *cobra.Command, root *rootOptions, p domain.Profile) error {
	out := cmd.OutOrStdout()
	if root.jsonOutput {
		return printJSON(out, p)
	}
	t := newTable(out, "KEY", "VALUE")
	t.AppendRows([]table.Row{
		{"name", p.Name},
		{"id", p.ID},
		{"path", p.Path},
		{"source", p.Source},
		{"sizeMB", strconv.FormatFloat(p.SizeMB, 'f', 1, 64)},
		{"running", p.Running},
		{"useWhen", p.UseWhen},
		{"description", p.Description},
	})
	t.Render()
	return nil
}
