package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/driftworks/conduit/internal/store"
)

// JobScheduler is the narrow slice of the scheduler the cron tool needs.
type JobScheduler interface {
	AddJob(job *store.CronJob) error
	RemoveJob(id string) error
	ListJobs() ([]*store.CronJob, error)
}

// CronTool lets the agent schedule reminders and recurring prompts for its
// own session.
type CronTool struct {
	scheduler JobScheduler
	channel   string
	chatID    string
	newID     func() string
	now       func() time.Time
}

func NewCronTool(scheduler JobScheduler, channel, chatID string, newID func() string) *CronTool {
	return &CronTool{
		scheduler: scheduler,
		channel:   channel,
		chatID:    chatID,
		newID:     newID,
		now:       time.Now,
	}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Schedule a reminder or recurring message: add, remove, or list scheduled jobs"
}

func (t *CronTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"add", "remove", "list"},
				"description": "What to do",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "The message to send when the job fires (add only)",
			},
			"in_seconds": map[string]any{
				"type":        "integer",
				"description": "Fire once after this many seconds (add only)",
			},
			"every_seconds": map[string]any{
				"type":        "integer",
				"description": "Fire repeatedly at this interval in seconds (add only)",
			},
			"cron_expr": map[string]any{
				"type":        "string",
				"description": "A standard 5-field cron expression (add only)",
			},
			"job_id": map[string]any{
				"type":        "string",
				"description": "Job to remove (remove only)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	switch action := StringArg(args, "action", ""); action {
	case "add":
		return t.add(ctx, args)
	case "remove":
		id := StringArg(args, "job_id", "")
		if id == "" {
			return "", fmt.Errorf("cron: job_id is required for remove")
		}
		if err := t.scheduler.RemoveJob(id); err != nil {
			return "", fmt.Errorf("cron: %w", err)
		}
		return fmt.Sprintf("removed job %s", id), nil
	case "list":
		return t.list()
	default:
		return "", fmt.Errorf("cron: unknown action %q", action)
	}
}

func (t *CronTool) add(ctx context.Context, args map[string]any) (string, error) {
	message := StringArg(args, "message", "")
	if message == "" {
		return "", fmt.Errorf("cron: message is required for add")
	}

	inSecs := IntArg(args, "in_seconds", 0)
	everySecs := IntArg(args, "every_seconds", 0)
	expr := StringArg(args, "cron_expr", "")

	var schedule store.CronSchedule
	var deleteAfterRun bool
	switch {
	case inSecs > 0:
		schedule = store.CronSchedule{
			Kind: store.ScheduleAt,
			AtMs: t.now().Add(time.Duration(inSecs) * time.Second).UnixMilli(),
		}
		deleteAfterRun = true
	case everySecs > 0:
		schedule = store.CronSchedule{
			Kind:    store.ScheduleEvery,
			EveryMs: int64(everySecs) * 1000,
		}
	case expr != "":
		schedule = store.CronSchedule{Kind: store.ScheduleCron, Expr: expr}
	default:
		return "", fmt.Errorf("cron: one of in_seconds, every_seconds or cron_expr is required")
	}

	channel, chatID := t.channel, t.chatID
	if info, ok := SessionFromContext(ctx); ok {
		channel, chatID = info.Channel, info.ChatID
	}

	job := &store.CronJob{
		ID:       t.newID(),
		Name:     truncate(message, 48),
		Enabled:  true,
		Schedule: schedule,
		Payload: store.CronPayload{
			Kind:    "agent-turn",
			Message: message,
			Deliver: channel != "" && chatID != "",
			Channel: channel,
			To:      chatID,
		},
		DeleteAfterRun: deleteAfterRun,
	}
	if err := t.scheduler.AddJob(job); err != nil {
		return "", fmt.Errorf("cron: %w", err)
	}
	return fmt.Sprintf("scheduled job %s", job.ID), nil
}

func (t *CronTool) list() (string, error) {
	jobs, err := t.scheduler.ListJobs()
	if err != nil {
		return "", fmt.Errorf("cron: %w", err)
	}
	if len(jobs) == 0 {
		return "no scheduled jobs", nil
	}

	var b strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s  %s  [%s", j.ID, j.Name, j.Schedule.Kind)
		switch j.Schedule.Kind {
		case store.ScheduleAt:
			fmt.Fprintf(&b, " %s", time.UnixMilli(j.Schedule.AtMs).Format(time.RFC3339))
		case store.ScheduleEvery:
			fmt.Fprintf(&b, " %s", time.Duration(j.Schedule.EveryMs)*time.Millisecond)
		case store.ScheduleCron:
			fmt.Fprintf(&b, " %s", j.Schedule.Expr)
		}
		b.WriteString("]")
		if !j.Enabled {
			b.WriteString(" (disabled)")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
