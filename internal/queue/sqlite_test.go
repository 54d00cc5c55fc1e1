package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maintflow/internal/domain"
	"maintflow/internal/queue"
)

func newRepo(t *testing.T) queue.Repository {
	t.Helper()
	db, err := queue.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return queue.NewSQLiteRepo(db)
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(id string, start time.Time, status domain.Status) domain.Task {
	return domain.Task{
		ID:         id,
		WorkerName: "vacuum",
		Options:    domain.Options{"dbname": "app", "schema": "public", "table": "t-" + id},
		StartAt:    start,
		Status:     status,
		CreatedAt:  base,
		UpdatedAt:  base,
	}
}

func TestInsertGet_RoundTripsEveryField(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	in := domain.Task{
		ID:         "0a1b2c3d",
		WorkerName: "vacuum",
		Options:    domain.Options{"dbname": "app", "relid": int64(9007199254740993), "nested": map[string]any{"k": "v"}},
		StartAt:    base.Add(time.Microsecond),
		Status:     domain.StatusFailed,
		Redo:       "@every 1h",
		Expire:     90 * time.Second,
		CreatedAt:  base,
		UpdatedAt:  base.Add(time.Minute),
		Output:     json.RawMessage(`{"rows":3}`),
		Error:      "boom",
	}
	require.NoError(t, repo.Insert(ctx, in))

	got, err := repo.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, in.WorkerName, got.WorkerName)
	assert.Equal(t, domain.Options{
		"dbname": "app",
		"relid":  json.Number("9007199254740993"),
		"nested": map[string]any{"k": "v"},
	}, got.Options)
	assert.True(t, in.Options.Equal(got.Options))
	assert.True(t, in.StartAt.Equal(got.StartAt), "start %s != %s", in.StartAt, got.StartAt)
	assert.Equal(t, in.Status, got.Status)
	assert.Equal(t, in.Redo, got.Redo)
	assert.Equal(t, in.Expire, got.Expire)
	assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, in.UpdatedAt.Equal(got.UpdatedAt))
	assert.JSONEq(t, string(in.Output), string(got.Output))
	assert.Equal(t, in.Error, got.Error)
}

func TestInsert_Duplicate(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, sample("aaaaaaaa", base, domain.StatusTodo)))
	err := repo.Insert(ctx, sample("aaaaaaaa", base.Add(time.Hour), domain.StatusTodo))
	assert.ErrorIs(t, err, queue.ErrDuplicate)

	got, err := repo.Get(ctx, "aaaaaaaa")
	require.NoError(t, err)
	assert.True(t, base.Equal(got.StartAt), "original record must not be overwritten")
}

func TestReplace(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, sample("aaaaaaaa", base, domain.StatusDone)))
	require.NoError(t, repo.Replace(ctx, sample("aaaaaaaa", base.Add(time.Hour), domain.StatusTodo)))

	got, err := repo.Get(ctx, "aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTodo, got.Status)
	assert.True(t, base.Add(time.Hour).Equal(got.StartAt))
}

func TestGet_NotFound(t *testing.T) {
	repo := newRepo(t)
	_, err := repo.Get(context.Background(), "deadbeef")

	var nf *domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "deadbeef", nf.TaskID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList_OrderAndFilter(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, sample("cccccccc", base.Add(2*time.Hour), domain.StatusScheduled)))
	require.NoError(t, repo.Insert(ctx, sample("aaaaaaaa", base, domain.StatusDone)))
	require.NoError(t, repo.Insert(ctx, sample("bbbbbbbb", base, domain.StatusQueued)))
	other := sample("dddddddd", base.Add(time.Hour), domain.StatusScheduled)
	other.WorkerName = "command"
	require.NoError(t, repo.Insert(ctx, other))

	all, err := repo.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"aaaaaaaa", "bbbbbbbb", "dddddddd", "cccccccc"}, ids(all))

	vac, err := repo.List(ctx, domain.ListFilter{WorkerName: "vacuum", Statuses: domain.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, []string{"bbbbbbbb", "cccccccc"}, ids(vac))

	one, err := repo.List(ctx, domain.ListFilter{Options: domain.Options{"table": "t-cccccccc"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"cccccccc"}, ids(one))

	none, err := repo.List(ctx, domain.ListFilter{WorkerName: "nope"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListUnfinished(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for i, s := range []domain.Status{
		domain.StatusTodo, domain.StatusScheduled, domain.StatusQueued, domain.StatusDoing,
		domain.StatusAbort, domain.StatusDone, domain.StatusFailed, domain.StatusCanceled, domain.StatusAborted,
	} {
		id := domain.TaskID(s.Label())
		require.NoError(t, repo.Insert(ctx, sample(id, base.Add(time.Duration(i)*time.Second), s)))
	}

	live, err := repo.ListUnfinished(ctx)
	require.NoError(t, err)
	var labels []string
	for _, task := range live {
		labels = append(labels, task.StatusLabel())
	}
	assert.Equal(t, []string{"todo", "scheduled", "queued", "doing", "abort"}, labels)
}

func TestUpdateStatusFinishRearm(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, sample("aaaaaaaa", base, domain.StatusTodo)))

	require.NoError(t, repo.UpdateStatus(ctx, "aaaaaaaa", domain.StatusDoing, base.Add(time.Second)))
	require.NoError(t, repo.Finish(ctx, "aaaaaaaa", domain.StatusDone, json.RawMessage(`"ok"`), "", base.Add(2*time.Second)))

	got, err := repo.Get(ctx, "aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.JSONEq(t, `"ok"`, string(got.Output))
	assert.True(t, base.Add(2*time.Second).Equal(got.UpdatedAt))

	next := base.Add(time.Hour)
	require.NoError(t, repo.Rearm(ctx, "aaaaaaaa", next, base.Add(3*time.Second)))
	got, err = repo.Get(ctx, "aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, got.Status)
	assert.True(t, next.Equal(got.StartAt))
	assert.JSONEq(t, `"ok"`, string(got.Output), "last run output is kept")

	assert.ErrorIs(t, repo.UpdateStatus(ctx, "ffffffff", domain.StatusDoing, base), domain.ErrNotFound)
}

func TestDelete(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, sample("aaaaaaaa", base, domain.StatusTodo)))
	require.NoError(t, repo.Delete(ctx, "aaaaaaaa"))
	_, err := repo.Get(ctx, "aaaaaaaa")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "aaaaaaaa"), domain.ErrNotFound)
}

func TestPurgeExpired(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	expired := sample("aaaaaaaa", base, domain.StatusDone)
	expired.Expire = time.Minute
	kept := sample("bbbbbbbb", base, domain.StatusDone)
	live := sample("cccccccc", base, domain.StatusScheduled)
	live.Expire = time.Minute
	fresh := sample("dddddddd", base, domain.StatusFailed)
	fresh.Expire = time.Hour
	for _, task := range []domain.Task{expired, kept, live, fresh} {
		require.NoError(t, repo.Insert(ctx, task))
	}

	n, err := repo.PurgeExpired(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := repo.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bbbbbbbb", "cccccccc", "dddddddd"}, ids(all))
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	db, err := queue.Open(path)
	require.NoError(t, err)
	require.NoError(t, queue.NewSQLiteRepo(db).Insert(context.Background(), sample("aaaaaaaa", base, domain.StatusScheduled)))
	require.NoError(t, db.Close())

	db, err = queue.Open(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := queue.NewSQLiteRepo(db).Get(context.Background(), "aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, got.Status)
}

func ids(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
