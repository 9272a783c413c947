package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/driftworks/conduit/internal/agent"
	"github.com/driftworks/conduit/internal/gateway"
	"github.com/driftworks/conduit/internal/logging"
)

func chatCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runChat(session); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&session, "session", "default", "session name to continue")
	return cmd
}

func runChat(session string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Keep stdout clean for the conversation.
	cfg.Logging.Level = "error"
	logging.Setup(cfg.Logging.Level, nil)

	g, err := gateway.New(cfg)
	if err != nil {
		return err
	}
	engine := g.Engine()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionKey := "cli:" + session
	fmt.Printf("conduit chat — session %s (ctrl-d to exit)\n", sessionKey)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		_, err := engine.Run(ctx, agent.TurnRequest{
			SessionKey: sessionKey,
			Channel:    "cli",
			ChatID:     session,
			Content:    line,
			Direct:     true,
			OnEvent:    printEvent,
		})
		switch {
		case errors.Is(err, agent.ErrUnavailable):
			fmt.Println("no LLM provider configured; set CONDUIT_PROVIDERS__OPENAI__API_KEY")
		case errors.Is(err, context.Canceled):
			fmt.Println()
			return nil
		case err != nil:
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
		}
	}
}

// printEvent renders streamed turn events: assistant text goes straight to
// stdout, tool activity shows as single status lines clipped to the terminal.
func printEvent(ev agent.Event) {
	switch ev.Type {
	case agent.EventTextDelta:
		fmt.Print(ev.Text)
	case agent.EventToolStart:
		fmt.Println(statusLine(fmt.Sprintf("⚙ %s ...", ev.Tool)))
	case agent.EventToolEnd:
		if ev.Err != "" {
			fmt.Println(statusLine(fmt.Sprintf("⚙ %s failed: %s", ev.Tool, ev.Err)))
		}
	case agent.EventDone:
		fmt.Println()
	}
}

// statusLine truncates s to the terminal width using display cells, so wide
// runes in tool errors do not wrap mid-line.
func statusLine(s string) string {
	width := 80
	if cols, ok := terminalWidth(); ok {
		width = cols
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

func terminalWidth() (int, bool) {
	if v := os.Getenv("COLUMNS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}
