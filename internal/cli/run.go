package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/deskagent/internal/daemon"
	"github.com/harun/deskagent/pkg/toolexecutor"
)

var (
	runAttachments []string
	runNoPrivacy   bool
	runSessionID   string
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run a single request and print the answer",
	Long: `Run a single request through the agent and print the answer along with
any files it generated.`,
	Example: `  deskagent run "What is on my calendar tomorrow?"
  deskagent run "Summarize the attached report" --attach report.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runAttachments, "attach", nil, "file to attach (repeatable)")
	runCmd.Flags().BoolVar(&runNoPrivacy, "no-privacy", false, "send the request without redacting personal data")
	runCmd.Flags().StringVar(&runSessionID, "session", "", "continue an existing session")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	request := strings.TrimSpace(strings.Join(args, " "))
	if request == "" {
		return fmt.Errorf("request is empty")
	}

	attachments := make([]string, 0, len(runAttachments))
	for _, a := range runAttachments {
		abs, err := filepath.Abs(a)
		if err != nil {
			return fmt.Errorf("invalid attachment %s: %w", a, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("attachment %s: %w", a, err)
		}
		attachments = append(attachments, abs)
	}

	d, closeFn, err := openDaemon(true, daemon.WithActor("cli"), daemon.WithSessionID(runSessionID))
	if err != nil {
		return err
	}
	defer closeFn()

	loop := d.Agent()
	if runNoPrivacy {
		loop.SetPrivacyEnabled(false)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	answer, err := loop.Run(ctx, request, attachments)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, answer)
	printGeneratedFiles(out, loop.LastGeneratedFiles())
	return nil
}

func printGeneratedFiles(w io.Writer, files []toolexecutor.GeneratedFile) {
	if len(files) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Generated files:")
	for _, f := range files {
		label := f.Label
		if label == "" {
			label = filepath.Base(f.Path)
		}
		fmt.Fprintf(w, "  [%s] %s: %s\n", f.Type, label, f.Path)
	}
}
