package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"maintflow/internal/domain"
	"maintflow/internal/ipc"
)

const clientTimeout = 30 * time.Second

func newClient() (*ipc.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(cfg.SocketPath, clientTimeout), nil
}

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage scheduled tasks",
	}
	cmd.AddCommand(newTasksListCmd(), newTasksScheduleCmd(), newTasksCancelCmd())
	return cmd
}

func newTasksListCmd() *cobra.Command {
	var (
		workerName string
		statuses   []string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks known to the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := domain.ListFilter{WorkerName: workerName}
			for _, label := range statuses {
				st, ok := domain.ParseStatus(label)
				if !ok {
					return fmt.Errorf("unknown status %q", label)
				}
				f.Statuses |= st
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			tasks, err := c.List(ctx, f)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			return printTasks(cmd.OutOrStdout(), tasks)
		},
	}
	cmd.Flags().StringVar(&workerName, "worker", "", "only tasks of this worker")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only tasks in these states (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newTasksScheduleCmd() *cobra.Command {
	var (
		req     domain.ScheduleRequest
		options string
		start   string
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a task for any registered worker",
		Example: `  maintflow tasks schedule --worker command --options '{"command":"echo","args":["hi"]}'
  maintflow tasks schedule --worker command --options '{"command":"pg_dump"}' --redo '@daily'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if options != "" {
				if err := json.Unmarshal([]byte(options), &req.Options); err != nil {
					return fmt.Errorf("--options is not a JSON object: %w", err)
				}
			}
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				req.StartAt = t
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			t, err := c.Schedule(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", t.ID, t.StatusLabel(), t.StartAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.WorkerName, "worker", "", "worker name")
	cmd.Flags().StringVar(&req.ID, "id", "", "explicit 8 hex character task id")
	cmd.Flags().StringVar(&options, "options", "", "task options as a JSON object")
	cmd.Flags().StringVar(&start, "start", "", "start time (RFC 3339); default now")
	cmd.Flags().StringVar(&req.Redo, "redo", "", "cron expression to run the task again")
	cmd.Flags().DurationVar(&req.Expire, "expire", 0, "delete the task this long after it finishes")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newTasksCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending task or abort a running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			t, err := c.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", t.ID, t.StatusLabel())
			return nil
		},
	}
}

func printTasks(w io.Writer, tasks []domain.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKER\tSTATUS\tSTART\tREDO\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.WorkerName, t.StatusLabel(), t.StartAt.Format(time.RFC3339), dash(t.Redo), dash(oneLine(t.Error)))
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}
