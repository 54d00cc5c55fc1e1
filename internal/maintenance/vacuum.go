// Package maintenance schedules and runs VACUUM operations on PostgreSQL
// tables through the task scheduler.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"maintflow/internal/domain"
)

// WorkerName is the handler name vacuum tasks are scheduled under.
const WorkerName = "vacuum"

// DatetimeLayout is the wire format of scheduled times.
const DatetimeLayout = "2006-01-02T15:04:05Z"

var identifierRe = regexp.MustCompile(`^[a-zA-Z0-9_$-]{1,64}$`)

// ErrTableNotFound is returned when the target table does not exist. It also
// matches domain.ErrNotFound.
var ErrTableNotFound = errors.New("table not found")

type TableNotFoundError struct {
	Schema string
	Table  string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("table %s.%s not found", e.Schema, e.Table)
}

func (e *TableNotFoundError) Is(target error) bool {
	return target == ErrTableNotFound || target == domain.ErrNotFound
}

type Mode string

const (
	ModeStandard Mode = "standard"
	ModeFull     Mode = "full"
	ModeFreeze   Mode = "freeze"
	ModeAnalyze  Mode = "analyze"
)

// ParseMode accepts a mode name in any case. Empty means standard.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case "":
		return ModeStandard, nil
	case ModeStandard, ModeFull, ModeFreeze, ModeAnalyze:
		return m, nil
	}
	return "", domain.Invalidf("unknown vacuum mode %q", s)
}

// Keyword is the VACUUM option for the mode.
func (m Mode) Keyword() string { return strings.ToUpper(string(m)) }

func validIdentifier(kind, v string) error {
	if !identifierRe.MatchString(v) {
		return domain.Invalidf("invalid %s name %q", kind, v)
	}
	return nil
}

// vacuumOptions is the task payload stored with each vacuum task.
type vacuumOptions struct {
	DBName   string `json:"dbname"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
	Mode     Mode   `json:"mode"`
	Postgres Target `json:"postgres"`
}

func (o vacuumOptions) toOptions() domain.Options {
	pg := domain.Options{}
	if o.Postgres.Host != "" {
		pg["host"] = o.Postgres.Host
	}
	if o.Postgres.Port != 0 {
		pg["port"] = o.Postgres.Port
	}
	if o.Postgres.User != "" {
		pg["user"] = o.Postgres.User
	}
	return domain.Options{
		"dbname":   o.DBName,
		"schema":   o.Schema,
		"table":    o.Table,
		"mode":     string(o.Mode),
		"postgres": pg,
	}
}

// TaskClient is how the service reaches the scheduler; *ipc.Client is the
// production implementation.
type TaskClient interface {
	Schedule(ctx context.Context, req domain.ScheduleRequest) (domain.Task, error)
	List(ctx context.Context, f domain.ListFilter) ([]domain.Task, error)
	Cancel(ctx context.Context, id string) (domain.Task, error)
}

type VacuumRequest struct {
	DBName   string `json:"dbname"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
	Mode     string `json:"mode,omitempty"`
	Datetime string `json:"datetime,omitempty"`
}

type VacuumFilter struct {
	DBName string
	Schema string
	Table  string
}

// VacuumEntry is one scheduled vacuum as shown to users.
type VacuumEntry struct {
	ID       string `json:"id"`
	DBName   string `json:"dbname"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
	Mode     string `json:"mode"`
	Datetime string `json:"datetime"`
	Status   string `json:"status"`
}

// Service is the front-end side of vacuum scheduling.
type Service struct {
	tasks   TaskClient
	catalog Catalog
	server  Target
	log     zerolog.Logger
	now     func() time.Time
}

// NewService builds a Service. server is recorded in each task so that the
// worker connects to the same PostgreSQL instance the request was checked on.
func NewService(tasks TaskClient, catalog Catalog, server Target, log zerolog.Logger) *Service {
	return &Service{
		tasks:   tasks,
		catalog: catalog,
		server:  server,
		log:     log.With().Str("component", "maintenance").Logger(),
		now:     time.Now,
	}
}

func (s *Service) ScheduleVacuum(ctx context.Context, req VacuumRequest) (VacuumEntry, error) {
	for _, c := range []struct{ kind, v string }{
		{"database", req.DBName}, {"schema", req.Schema}, {"table", req.Table},
	} {
		if err := validIdentifier(c.kind, c.v); err != nil {
			return VacuumEntry{}, err
		}
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return VacuumEntry{}, err
	}
	datetime := req.Datetime
	if datetime == "" {
		datetime = s.now().UTC().Format(DatetimeLayout)
	}
	start, err := time.Parse(DatetimeLayout, datetime)
	if err != nil {
		return VacuumEntry{}, domain.Invalidf("datetime %q is not in %s format", datetime, DatetimeLayout)
	}

	target := s.server
	target.DBName = req.DBName
	exists, err := s.catalog.TableExists(ctx, target, req.Schema, req.Table)
	if err != nil {
		return VacuumEntry{}, fmt.Errorf("check table %s.%s: %w", req.Schema, req.Table, err)
	}
	if !exists {
		return VacuumEntry{}, &TableNotFoundError{Schema: req.Schema, Table: req.Table}
	}

	opts := vacuumOptions{
		DBName:   req.DBName,
		Schema:   req.Schema,
		Table:    req.Table,
		Mode:     mode,
		Postgres: Target{Host: s.server.Host, Port: s.server.Port, User: s.server.User},
	}
	task, err := s.tasks.Schedule(ctx, domain.ScheduleRequest{
		ID:         domain.TaskID(req.DBName, req.Schema, req.Table, datetime),
		WorkerName: WorkerName,
		Options:    opts.toOptions(),
		StartAt:    start,
	})
	if err != nil {
		return VacuumEntry{}, fmt.Errorf("schedule vacuum: %w", err)
	}

	s.log.Info().
		Str("task_id", task.ID).
		Str("dbname", req.DBName).
		Str("table", req.Schema+"."+req.Table).
		Str("mode", string(mode)).
		Str("datetime", datetime).
		Msg("vacuum scheduled")
	return s.entry(task), nil
}

// ListScheduledVacuum returns every stored vacuum task, optionally narrowed to
// a database, schema or table.
func (s *Service) ListScheduledVacuum(ctx context.Context, f VacuumFilter) ([]VacuumEntry, error) {
	filter := domain.ListFilter{WorkerName: WorkerName}
	for k, v := range map[string]string{"dbname": f.DBName, "schema": f.Schema, "table": f.Table} {
		if v == "" {
			continue
		}
		if filter.Options == nil {
			filter.Options = domain.Options{}
		}
		filter.Options[k] = v
	}

	tasks, err := s.tasks.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list scheduled vacuum: %w", err)
	}
	entries := make([]VacuumEntry, 0, len(tasks))
	for _, t := range tasks {
		entries = append(entries, s.entry(t))
	}
	return entries, nil
}

// CancelScheduledVacuum cancels a pending vacuum or aborts a running one.
func (s *Service) CancelScheduledVacuum(ctx context.Context, id string) (VacuumEntry, error) {
	if !domain.ValidTaskID(id) {
		return VacuumEntry{}, domain.Invalidf("invalid vacuum id %q", id)
	}
	entries, err := s.ListScheduledVacuum(ctx, VacuumFilter{})
	if err != nil {
		return VacuumEntry{}, err
	}
	found := false
	for _, e := range entries {
		if e.ID == id {
			found = true
			break
		}
	}
	if !found {
		return VacuumEntry{}, &domain.NotFoundError{TaskID: id}
	}

	task, err := s.tasks.Cancel(ctx, id)
	if err != nil {
		return VacuumEntry{}, fmt.Errorf("cancel vacuum %s: %w", id, err)
	}
	s.log.Info().Str("task_id", id).Str("status", task.StatusLabel()).Msg("vacuum cancel requested")
	return s.entry(task), nil
}

// entry renders a task for users. Options that do not decode leave the
// vacuum fields empty; the id and status are still shown.
func (s *Service) entry(t domain.Task) VacuumEntry {
	var o vacuumOptions
	if err := t.Options.Decode(&o); err != nil {
		s.log.Warn().Err(err).Str("task_id", t.ID).Msg("cannot decode vacuum task options")
		o = vacuumOptions{}
	}
	return VacuumEntry{
		ID:       t.ID,
		DBName:   o.DBName,
		Schema:   o.Schema,
		Table:    o.Table,
		Mode:     string(o.Mode),
		Datetime: t.StartAt.UTC().Format(DatetimeLayout),
		Status:   t.StatusLabel(),
	}
}

// VacuumWorker is the task handler registered as WorkerName.
type VacuumWorker struct {
	catalog  Catalog
	vacuumer Vacuumer
	log      zerolog.Logger
}

func NewVacuumWorker(catalog Catalog, vacuumer Vacuumer, log zerolog.Logger) *VacuumWorker {
	return &VacuumWorker{
		catalog:  catalog,
		vacuumer: vacuumer,
		log:      log.With().Str("component", "vacuum_worker").Logger(),
	}
}

type vacuumResult struct {
	DBName   string  `json:"dbname"`
	Schema   string  `json:"schema"`
	Table    string  `json:"table"`
	Mode     Mode    `json:"mode"`
	Duration float64 `json:"duration"`
}

func (w *VacuumWorker) Handle(ctx context.Context, opts domain.Options) (json.RawMessage, error) {
	var o vacuumOptions
	if err := opts.Decode(&o); err != nil {
		return nil, fmt.Errorf("decode vacuum options: %w", err)
	}
	mode, err := ParseMode(string(o.Mode))
	if err != nil {
		return nil, err
	}
	target := o.Postgres
	target.DBName = o.DBName

	// The table may have been dropped since the task was scheduled.
	exists, err := w.catalog.TableExists(ctx, target, o.Schema, o.Table)
	if err != nil {
		return nil, fmt.Errorf("check table %s.%s: %w", o.Schema, o.Table, err)
	}
	if !exists {
		return nil, &TableNotFoundError{Schema: o.Schema, Table: o.Table}
	}

	log := w.log.With().Str("dbname", o.DBName).Str("table", o.Schema+"."+o.Table).Str("mode", string(mode)).Logger()
	log.Info().Msg("running vacuum")
	started := time.Now()
	if err := w.vacuumer.Vacuum(ctx, target, o.Schema, o.Table, mode); err != nil {
		return nil, fmt.Errorf("vacuum %s on %s.%s: %w", mode, o.Schema, o.Table, err)
	}
	d := time.Since(started)
	log.Info().Dur("duration", d).Msg("vacuum done")

	return json.Marshal(vacuumResult{
		DBName:   o.DBName,
		Schema:   o.Schema,
		Table:    o.Table,
		Mode:     mode,
		Duration: d.Seconds(),
	})
}
