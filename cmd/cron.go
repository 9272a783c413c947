package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/driftworks/conduit/internal/config"
	"github.com/driftworks/conduit/internal/cron"
	"github.com/driftworks/conduit/internal/store"
)

func openStore() (*store.DB, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronEnableCmd(true),
		cronEnableCmd(false), cronRunCmd())
	return cmd
}

func withScheduler(fn func(s *cron.Scheduler) error) {
	db, _, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := fn(cron.New(store.NewCronStore(db), nil)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			withScheduler(func(s *cron.Scheduler) error {
				jobs, err := s.ListJobs()
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Println("no jobs")
					return nil
				}
				for _, j := range jobs {
					state := "enabled"
					if !j.Enabled {
						state = "disabled"
					}
					next := "-"
					if j.State.NextRunAtMs != nil {
						next = time.UnixMilli(*j.State.NextRunAtMs).Format(time.RFC3339)
					}
					fmt.Printf("%s  %-24s %-8s kind=%s next=%s\n", j.ID, j.Name, state, j.Schedule.Kind, next)
				}
				return nil
			})
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		message  string
		inSecs   int
		everySec int
		expr     string
		tz       string
		channel  string
		to       string
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Run: func(cmd *cobra.Command, args []string) {
			withScheduler(func(s *cron.Scheduler) error {
				var schedule store.CronSchedule
				switch {
				case inSecs > 0:
					schedule = store.CronSchedule{
						Kind: store.ScheduleAt,
						AtMs: time.Now().Add(time.Duration(inSecs) * time.Second).UnixMilli(),
					}
					once = true
				case everySec > 0:
					schedule = store.CronSchedule{Kind: store.ScheduleEvery, EveryMs: int64(everySec) * 1000}
				case expr != "":
					schedule = store.CronSchedule{Kind: store.ScheduleCron, Expr: expr, Tz: tz}
				default:
					return fmt.Errorf("one of --in, --every or --cron is required")
				}

				job := &store.CronJob{
					ID:       uuid.NewString(),
					Name:     message,
					Enabled:  true,
					Schedule: schedule,
					Payload: store.CronPayload{
						Kind:    "agent-turn",
						Message: message,
						Deliver: channel != "" && to != "",
						Channel: channel,
						To:      to,
					},
					DeleteAfterRun: once,
				}
				if err := s.AddJob(job); err != nil {
					return err
				}
				fmt.Printf("added job %s\n", job.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "prompt to run when the job fires")
	cmd.Flags().IntVar(&inSecs, "in", 0, "fire once after N seconds")
	cmd.Flags().IntVar(&everySec, "every", 0, "fire every N seconds")
	cmd.Flags().StringVar(&expr, "cron", "", "5-field cron expression")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for --cron")
	cmd.Flags().StringVar(&channel, "channel", "", "deliver the result to this channel")
	cmd.Flags().StringVar(&to, "to", "", "deliver the result to this chat id")
	cmd.Flags().BoolVar(&once, "once", false, "delete the job after it runs")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withScheduler(func(s *cron.Scheduler) error {
				if err := s.RemoveJob(args[0]); err != nil {
					return err
				}
				fmt.Printf("removed job %s\n", args[0])
				return nil
			})
		},
	}
}

func cronEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a job"
	if !enable {
		use, short = "disable <id>", "Disable a job"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withScheduler(func(s *cron.Scheduler) error {
				return s.EnableJob(args[0], enable)
			})
		},
	}
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job immediately (force)",
		Run: func(cmd *cobra.Command, args []string) {
			withScheduler(func(s *cron.Scheduler) error {
				return s.RunJob(args[0], true)
			})
		},
		Args: cobra.ExactArgs(1),
	}
}
