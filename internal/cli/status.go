package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/deskagent/internal/daemon"
	"github.com/harun/deskagent/pkg/cron"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long:  `Show whether "deskagent serve" is running and the state of its background jobs.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	lm := daemon.NewLifecycleManager(cfg.DataDir, zerolog.Nop())
	if !lm.IsRunning() {
		fmt.Fprintln(out, "Status: stopped")
	} else {
		pid, err := lm.GetPID()
		if err != nil {
			return fmt.Errorf("failed to read PID file: %w", err)
		}
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		if info, err := os.Stat(lm.PIDFile()); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
		fmt.Fprintf(out, "Address: http://%s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	}

	jobs, err := cron.ReadState(filepath.Join(cfg.DataDir, "cron", "jobs.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read job state: %w", err)
	}
	fmt.Fprintln(out)
	printJobs(out, jobs, time.Now())
	return nil
}

func printJobs(w io.Writer, jobs []*cron.Job, now time.Time) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No background jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSCHEDULE\tLAST RUN\tSTATUS\tRESULT")
	for _, job := range jobs {
		schedule := job.Schedule.Expr
		if job.Schedule.Kind == cron.ScheduleKindEvery {
			schedule = "every " + (time.Duration(job.Schedule.EveryMs) * time.Millisecond).String()
		}
		if !job.Enabled {
			schedule += " (disabled)"
		}
		lastRun := "never"
		if job.State.LastRunAtMs != nil {
			lastRun = formatDuration(now.Sub(time.UnixMilli(*job.State.LastRunAtMs))) + " ago"
		}
		result := job.State.LastSummary
		if job.State.LastStatus == "error" {
			result = job.State.LastError
		}
		status := job.State.LastStatus
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", job.Task, schedule, lastRun, status, result)
	}
	tw.Flush()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
