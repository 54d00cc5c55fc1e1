package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maintflow/internal/domain"
)

type fakeCatalog struct {
	mu       sync.Mutex
	tables   map[string]bool
	err      error
	checked  []Target
	vacuumed []string
	block    chan struct{}
}

func (c *fakeCatalog) TableExists(_ context.Context, t Target, schema, table string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checked = append(c.checked, t)
	if c.err != nil {
		return false, c.err
	}
	return c.tables[t.DBName+"/"+schema+"."+table], nil
}

func (c *fakeCatalog) Vacuum(ctx context.Context, t Target, schema, table string, mode Mode) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vacuumed = append(c.vacuumed, vacuumSQL(schema, table, mode))
	return nil
}

type fakeTasks struct {
	mu        sync.Mutex
	tasks     []domain.Task
	scheduled []domain.ScheduleRequest
	canceled  []string
}

func (f *fakeTasks) Schedule(_ context.Context, req domain.ScheduleRequest) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, req)
	t := domain.Task{
		ID:         req.ID,
		WorkerName: req.WorkerName,
		Options:    req.Options,
		StartAt:    req.StartAt.Add(time.Microsecond),
		Status:     domain.StatusScheduled,
	}
	f.tasks = append(f.tasks, t)
	return t, nil
}

func (f *fakeTasks) List(_ context.Context, filter domain.ListFilter) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, t := range f.tasks {
		if filter.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTasks) Cancel(_ context.Context, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	for i, t := range f.tasks {
		if t.ID == id {
			f.tasks[i].Status = domain.StatusCanceled
			return f.tasks[i], nil
		}
	}
	return domain.Task{}, &domain.NotFoundError{TaskID: id}
}

func newService(cat *fakeCatalog, tasks *fakeTasks) *Service {
	s := NewService(tasks, cat, Target{Host: "db1", Port: 5432, User: "postgres"}, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2024, 5, 1, 10, 30, 15, 123456789, time.UTC) }
	return s
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"": ModeStandard, "standard": ModeStandard, "FULL": ModeFull,
		"freeze": ModeFreeze, "Analyze": ModeAnalyze,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("verbose")
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestVacuumSQL(t *testing.T) {
	assert.Equal(t, `VACUUM "public"."orders"`, vacuumSQL("public", "orders", ModeStandard))
	assert.Equal(t, `VACUUM (FULL) "public"."orders"`, vacuumSQL("public", "orders", ModeFull))
	assert.Equal(t, `VACUUM (ANALYZE) "s$1"."we""ird"`, vacuumSQL("s$1", `we"ird`, ModeAnalyze))
}

func TestScheduleVacuum(t *testing.T) {
	cat := &fakeCatalog{tables: map[string]bool{"app/public.orders": true}}
	tasks := &fakeTasks{}
	s := newService(cat, tasks)

	e, err := s.ScheduleVacuum(context.Background(), VacuumRequest{
		DBName: "app", Schema: "public", Table: "orders", Mode: "full", Datetime: "2030-01-02T03:04:05Z",
	})
	require.NoError(t, err)
	assert.Equal(t, VacuumEntry{
		ID:       domain.TaskID("app", "public", "orders", "2030-01-02T03:04:05Z"),
		DBName:   "app",
		Schema:   "public",
		Table:    "orders",
		Mode:     "full",
		Datetime: "2030-01-02T03:04:05Z",
		Status:   "scheduled",
	}, e)

	require.Len(t, tasks.scheduled, 1)
	req := tasks.scheduled[0]
	assert.Equal(t, WorkerName, req.WorkerName)
	assert.True(t, time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC).Equal(req.StartAt))
	b, err := json.Marshal(req.Options)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dbname":"app","schema":"public","table":"orders","mode":"full",
		"postgres":{"host":"db1","port":5432,"user":"postgres"}}`, string(b))
	assert.Equal(t, []Target{{Host: "db1", Port: 5432, User: "postgres", DBName: "app"}}, cat.checked)
}

func TestScheduleVacuum_DefaultsToNow(t *testing.T) {
	cat := &fakeCatalog{tables: map[string]bool{"app/public.orders": true}}
	tasks := &fakeTasks{}
	e, err := newService(cat, tasks).ScheduleVacuum(context.Background(), VacuumRequest{
		DBName: "app", Schema: "public", Table: "orders",
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T10:30:15Z", e.Datetime)
	assert.Equal(t, "standard", e.Mode)
}

func TestScheduleVacuum_Rejections(t *testing.T) {
	cat := &fakeCatalog{tables: map[string]bool{"app/public.orders": true}}
	tasks := &fakeTasks{}
	s := newService(cat, tasks)
	ctx := context.Background()

	for _, req := range []VacuumRequest{
		{DBName: "app", Schema: "public", Table: "a.b"},
		{DBName: "", Schema: "public", Table: "orders"},
		{DBName: "app", Schema: "pub lic", Table: "orders"},
		{DBName: "app", Schema: "public", Table: "orders", Mode: "verbose"},
		{DBName: "app", Schema: "public", Table: "orders", Datetime: "2030-01-02 03:04:05"},
	} {
		_, err := s.ScheduleVacuum(ctx, req)
		assert.ErrorIs(t, err, domain.ErrInvalid, "%+v", req)
	}

	_, err := s.ScheduleVacuum(ctx, VacuumRequest{DBName: "app", Schema: "public", Table: "missing"})
	assert.ErrorIs(t, err, ErrTableNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	cat.err = errors.New("connection refused")
	_, err = s.ScheduleVacuum(ctx, VacuumRequest{DBName: "app", Schema: "public", Table: "orders"})
	assert.ErrorContains(t, err, "connection refused")

	assert.Empty(t, tasks.scheduled, "nothing reaches the scheduler when a precondition fails")
}

func TestListScheduledVacuum(t *testing.T) {
	cat := &fakeCatalog{tables: map[string]bool{"app/public.orders": true, "app/public.items": true, "crm/public.orders": true}}
	tasks := &fakeTasks{}
	s := newService(cat, tasks)
	ctx := context.Background()

	for _, r := range []VacuumRequest{
		{DBName: "app", Schema: "public", Table: "orders", Datetime: "2030-01-01T00:00:00Z"},
		{DBName: "app", Schema: "public", Table: "items", Datetime: "2030-01-01T00:00:00Z"},
		{DBName: "crm", Schema: "public", Table: "orders", Datetime: "2030-01-01T00:00:00Z"},
	} {
		_, err := s.ScheduleVacuum(ctx, r)
		require.NoError(t, err)
	}
	tasks.tasks = append(tasks.tasks, domain.Task{ID: "ffffffff", WorkerName: "command", Status: domain.StatusScheduled})

	all, err := s.ListScheduledVacuum(ctx, VacuumFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3, "other workers are not listed")

	some, err := s.ListScheduledVacuum(ctx, VacuumFilter{Table: "orders"})
	require.NoError(t, err)
	assert.Len(t, some, 2)

	one, err := s.ListScheduledVacuum(ctx, VacuumFilter{DBName: "crm", Schema: "public", Table: "orders"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "crm", one[0].DBName)
	assert.Equal(t, "2030-01-01T00:00:00Z", one[0].Datetime)
}

func TestListScheduledVacuum_UndecodableOptions(t *testing.T) {
	var buf bytes.Buffer
	tasks := &fakeTasks{tasks: []domain.Task{{
		ID:         "0a1b2c3d",
		WorkerName: WorkerName,
		Options:    domain.Options{"table": 5, "mode": []string{"full"}},
		StartAt:    time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:     domain.StatusScheduled,
	}}}
	s := NewService(tasks, &fakeCatalog{}, Target{}, zerolog.New(&buf))

	entries, err := s.ListScheduledVacuum(context.Background(), VacuumFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, VacuumEntry{ID: "0a1b2c3d", Datetime: "2030-01-01T00:00:00Z", Status: "scheduled"}, entries[0])
	assert.Contains(t, buf.String(), "cannot decode vacuum task options")
	assert.Contains(t, buf.String(), "0a1b2c3d")
}

func TestCancelScheduledVacuum(t *testing.T) {
	cat := &fakeCatalog{tables: map[string]bool{"app/public.orders": true}}
	tasks := &fakeTasks{}
	s := newService(cat, tasks)
	ctx := context.Background()

	e, err := s.ScheduleVacuum(ctx, VacuumRequest{DBName: "app", Schema: "public", Table: "orders"})
	require.NoError(t, err)

	_, err = s.CancelScheduledVacuum(ctx, "XYZ")
	assert.ErrorIs(t, err, domain.ErrInvalid)

	tasks.tasks = append(tasks.tasks, domain.Task{ID: "ffffffff", WorkerName: "command", Status: domain.StatusScheduled})
	_, err = s.CancelScheduledVacuum(ctx, "ffffffff")
	assert.ErrorIs(t, err, domain.ErrNotFound, "non-vacuum tasks cannot be cancelled here")
	assert.Empty(t, tasks.canceled)

	got, err := s.CancelScheduledVacuum(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", got.Status)
	assert.Equal(t, []string{e.ID}, tasks.canceled)
}

func TestVacuumWorker(t *testing.T) {
	cat := &fakeCatalog{tables: map[string]bool{"app/public.orders": true}}
	w := NewVacuumWorker(cat, cat, zerolog.Nop())

	opts := vacuumOptions{
		DBName: "app", Schema: "public", Table: "orders", Mode: ModeFreeze,
		Postgres: Target{Host: "db1", Port: 5433},
	}.toOptions()
	out, err := w.Handle(context.Background(), opts)
	require.NoError(t, err)

	var res vacuumResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "orders", res.Table)
	assert.Equal(t, ModeFreeze, res.Mode)
	assert.Equal(t, []string{`VACUUM (FREEZE) "public"."orders"`}, cat.vacuumed)
	assert.Equal(t, Target{Host: "db1", Port: 5433, DBName: "app"}, cat.checked[0])

	_, err = w.Handle(context.Background(), vacuumOptions{DBName: "app", Schema: "public", Table: "gone"}.toOptions())
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestVacuumWorker_StopsOnCancel(t *testing.T) {
	cat := &fakeCatalog{tables: map[string]bool{"app/public.orders": true}, block: make(chan struct{})}
	w := NewVacuumWorker(cat, cat, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := w.Handle(ctx, vacuumOptions{DBName: "app", Schema: "public", Table: "orders"}.toOptions())
		errc <- err
	}()
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not stop")
	}
}

func TestPGCatalog_Integration(t *testing.T) {
	dbname := os.Getenv("MAINTFLOW_TEST_PGDATABASE")
	if dbname == "" {
		t.Skip("MAINTFLOW_TEST_PGDATABASE not set")
	}
	ctx := context.Background()
	c := NewPGCatalog(PGConfig{DBName: dbname, MaxConns: 2})
	defer c.Close()

	target := Target{DBName: dbname}
	p, err := c.pool(ctx, target)
	require.NoError(t, err)
	_, err = p.Exec(ctx, `CREATE TABLE IF NOT EXISTS maintflow_vacuum_check (id int)`)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = p.Exec(ctx, `DROP TABLE IF EXISTS maintflow_vacuum_check`) })

	ok, err := c.TableExists(ctx, target, "public", "maintflow_vacuum_check")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.TableExists(ctx, target, "public", "maintflow_no_such_table")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, c.Vacuum(ctx, target, "public", "maintflow_vacuum_check", ModeAnalyze))
}
