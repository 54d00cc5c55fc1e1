package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"maintflow/internal/ipc"
	"maintflow/internal/logging"
	"maintflow/internal/maintenance"
)

// newVacuumService wires a maintenance service for one CLI invocation. The
// returned func releases its database connections.
func newVacuumService() (*maintenance.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	pg := maintenance.NewPGCatalog(pgConfig(cfg))
	svc := maintenance.NewService(ipc.NewClient(cfg.SocketPath, clientTimeout), pg, maintenance.Target{
		Host: cfg.Postgres.Host,
		Port: cfg.Postgres.Port,
		User: cfg.Postgres.User,
	}, logger)
	return svc, pg.Close, nil
}

func newVacuumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Schedule, list and cancel VACUUM operations",
	}
	cmd.AddCommand(newVacuumScheduleCmd(), newVacuumListCmd(), newVacuumCancelCmd())
	return cmd
}

func newVacuumScheduleCmd() *cobra.Command {
	var req maintenance.VacuumRequest
	cmd := &cobra.Command{
		Use:     "schedule",
		Short:   "Schedule a VACUUM of one table",
		Example: "  maintflow vacuum schedule --dbname app --schema public --table orders --mode analyze --datetime 2030-01-01T02:00:00Z",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := newVacuumService()
			if err != nil {
				return err
			}
			defer closeFn()
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			e, err := svc.ScheduleVacuum(ctx, req)
			if err != nil {
				return err
			}
			return printVacuum(cmd.OutOrStdout(), []maintenance.VacuumEntry{e})
		},
	}
	cmd.Flags().StringVar(&req.DBName, "dbname", "", "database name")
	cmd.Flags().StringVar(&req.Schema, "schema", "public", "schema name")
	cmd.Flags().StringVar(&req.Table, "table", "", "table name")
	cmd.Flags().StringVar(&req.Mode, "mode", "standard", "standard | full | freeze | analyze")
	cmd.Flags().StringVar(&req.Datetime, "datetime", "", "UTC start time as YYYY-MM-DDTHH:MM:SSZ; default now")
	_ = cmd.MarkFlagRequired("dbname")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func newVacuumListCmd() *cobra.Command {
	var (
		f      maintenance.VacuumFilter
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled VACUUM operations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := newVacuumService()
			if err != nil {
				return err
			}
			defer closeFn()
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			entries, err := svc.ListScheduledVacuum(ctx, f)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			return printVacuum(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&f.DBName, "dbname", "", "only this database")
	cmd.Flags().StringVar(&f.Schema, "schema", "", "only this schema")
	cmd.Flags().StringVar(&f.Table, "table", "", "only this table")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newVacuumCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a scheduled VACUUM or abort a running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := newVacuumService()
			if err != nil {
				return err
			}
			defer closeFn()
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			e, err := svc.CancelScheduledVacuum(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.ID, e.Status)
			return nil
		},
	}
}

func printVacuum(w io.Writer, entries []maintenance.VacuumEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATABASE\tTABLE\tMODE\tDATETIME\tSTATUS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s.%s\t%s\t%s\t%s\n", e.ID, e.DBName, e.Schema, e.Table, e.Mode, e.Datetime, e.Status)
	}
	return tw.Flush()
}
