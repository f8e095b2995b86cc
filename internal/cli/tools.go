package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harun/deskagent/pkg/toolexecutor"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools available to the agent",
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	d, closeFn, err := openDaemon(true)
	if err != nil {
		return err
	}
	defer closeFn()

	printTools(cmd.OutOrStdout(), d.Registry().Definitions())
	return nil
}

func printTools(w io.Writer, defs []toolexecutor.ToolDefinition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tKIND\tDESCRIPTION")
	for _, def := range defs {
		desc := def.Description
		if i := strings.IndexAny(desc, ".\n"); i > 0 {
			desc = desc[:i]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", def.Name, def.Category, desc)
	}
	tw.Flush()
}
