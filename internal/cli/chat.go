package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/harun/deskagent/internal/daemon"
	"github.com/harun/deskagent/pkg/memory"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session with line editing and history.

Commands:
  /tools           list available tools
  /memory <query>  search long-term memory
  /tasks           show recent tasks of this session
  /privacy on|off  toggle personal data redaction
  /quit            leave the session`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "continue an existing session")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	d, closeFn, err := openDaemon(true, daemon.WithActor("cli"), daemon.WithSessionID(chatSessionID))
	if err != nil {
		return err
	}
	defer closeFn()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(d.GetConfig().DataDir, ".chat_history"),
		HistoryLimit:    500,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	r := &repl{out: rl.Stdout(), daemon: d}
	fmt.Fprintf(r.out, "Session %s (privacy %s). Type /quit to exit.\n\n",
		d.Agent().SessionID(), onOff(d.Agent().PrivacyEnabled()))

	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out, "Goodbye!")
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}
		if !r.handle(ctx, line) {
			return nil
		}
	}
}

// repl executes one line of chat input at a time.
type repl struct {
	out    io.Writer
	daemon *daemon.Daemon
}

// handle processes line and reports whether the session continues.
func (r *repl) handle(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if strings.HasPrefix(input, "/") {
		return r.command(ctx, input)
	}

	loop := r.daemon.Agent()
	answer, err := loop.Run(ctx, input, nil)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return true
	}
	fmt.Fprintf(r.out, "\nagent> %s\n", answer)
	printGeneratedFiles(r.out, loop.LastGeneratedFiles())
	fmt.Fprintln(r.out)
	return true
}

func (r *repl) command(ctx context.Context, input string) bool {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		fmt.Fprintln(r.out, "Goodbye!")
		return false

	case "/tools":
		printTools(r.out, r.daemon.Registry().Definitions())

	case "/memory":
		store := r.daemon.Memory()
		if store == nil {
			fmt.Fprintln(r.out, "Memory is not available.")
			return true
		}
		if arg == "" {
			status := store.Status(ctx)
			fmt.Fprintf(r.out, "%d fact(s) from %d file(s); vector search %s.\n",
				status.TotalFacts, status.IngestedFiles, onOff(status.VectorSearch))
			return true
		}
		results, err := store.Search(ctx, arg, memory.DefaultSearchOptions(5))
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return true
		}
		printMemoryResults(r.out, results)

	case "/tasks":
		tasks, err := r.daemon.Sessions().RecentTasks(ctx, r.daemon.Agent().SessionID(), 10)
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return true
		}
		printTasks(r.out, tasks)

	case "/privacy":
		loop := r.daemon.Agent()
		switch strings.ToLower(arg) {
		case "on":
			loop.SetPrivacyEnabled(true)
		case "off":
			loop.SetPrivacyEnabled(false)
		case "":
		default:
			fmt.Fprintln(r.out, "Usage: /privacy on|off")
			return true
		}
		fmt.Fprintf(r.out, "Privacy is %s.\n", onOff(loop.PrivacyEnabled()))

	case "/help":
		fmt.Fprintln(r.out, "Commands: /tools, /memory <query>, /tasks, /privacy on|off, /quit")

	default:
		fmt.Fprintf(r.out, "Unknown command %s. Type /help.\n", name)
	}
	return true
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
