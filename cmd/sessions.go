package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftworks/conduit/internal/channels"
	"github.com/driftworks/conduit/internal/sessions"
	"github.com/driftworks/conduit/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and delete stored sessions",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsShowCmd(), sessionsDeleteCmd())
	return cmd
}

func withSessions(fn func(m *sessions.Manager) error) {
	db, _, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := fn(sessions.NewManager(store.NewSessionStore(db))); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Run: func(cmd *cobra.Command, args []string) {
			withSessions(func(m *sessions.Manager) error {
				infos, err := m.List()
				if err != nil {
					return err
				}
				if len(infos) == 0 {
					fmt.Println("no sessions")
					return nil
				}
				for _, info := range infos {
					fmt.Printf("%-40s %4d messages  updated %s\n",
						info.Key, info.MessageCount, info.Updated.Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withSessions(func(m *sessions.Manager) error {
				sess, err := m.GetOrCreate(args[0])
				if err != nil {
					return err
				}
				for _, msg := range sess.Messages {
					fmt.Printf("[%s] %s\n", msg.Role, channels.Truncate(msg.Content, 200))
				}
				return nil
			})
		},
	}
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withSessions(func(m *sessions.Manager) error {
				existed, err := m.Delete(args[0])
				if err != nil {
					return err
				}
				if !existed {
					fmt.Printf("no session %s\n", args[0])
					return nil
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}
