package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/deskagent/pkg/session"
)

var (
	tasksSessionID string
	tasksLimit     int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show recent tasks and their plans",
	Args:  cobra.NoArgs,
	RunE:  runTasks,
}

func init() {
	tasksCmd.Flags().StringVar(&tasksSessionID, "session", "", "only show tasks of this session")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 10, "maximum number of tasks")
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	store, err := session.Open(session.Config{DBPath: cfg.Session.DBPath, Logger: log.GetZerolog()})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	var tasks []session.Task
	if tasksSessionID != "" {
		tasks, err = store.RecentTasks(ctx, tasksSessionID, tasksLimit)
	} else {
		tasks, err = store.AllTasks(ctx, tasksLimit)
	}
	if err != nil {
		return err
	}
	printTasks(cmd.OutOrStdout(), tasks)
	return nil
}

func printTasks(w io.Writer, tasks []session.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks yet.")
		return
	}
	for _, t := range tasks {
		fmt.Fprintf(w, "[%s] %s  %s\n", t.Status, t.CreatedAt.Local().Format("2006-01-02 15:04"), t.Goal)
		for i, step := range t.Steps {
			fmt.Fprintf(w, "    %d. %s\n", i+1, step)
		}
		if t.Result != "" {
			fmt.Fprintf(w, "    -> %s\n", firstLine(t.Result, 120))
		}
	}
}

func firstLine(s string, max int) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
