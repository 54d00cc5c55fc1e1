package domain_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maintflow/internal/domain"
)

func TestOptions_Contains(t *testing.T) {
	opts := domain.Options{"dbname": "app", "table": "t1", "port": 5432, "nested": map[string]any{"a": 1}}

	assert.True(t, opts.Contains(nil))
	assert.True(t, opts.Contains(domain.Options{"table": "t1"}))
	assert.True(t, opts.Contains(domain.Options{"port": 5432.0}))
	assert.True(t, opts.Contains(domain.Options{"nested": map[string]any{"a": 1}}))
	assert.False(t, opts.Contains(domain.Options{"table": "t2"}))
	assert.False(t, opts.Contains(domain.Options{"schema": "public"}))
}

func TestOptions_Decode(t *testing.T) {
	var v struct {
		Table string `json:"table"`
		Port  int    `json:"port"`
	}
	require.NoError(t, domain.Options{"table": "t1", "port": 5432.0}.Decode(&v))
	assert.Equal(t, "t1", v.Table)
	assert.Equal(t, 5432, v.Port)
}

func TestOptions_UnmarshalKeepsLargeIntegers(t *testing.T) {
	in := domain.Options{"relid": int64(9007199254740993), "nested": map[string]any{"n": int64(1) << 62}}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out domain.Options
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, json.Number("9007199254740993"), out["relid"])
	assert.Equal(t, map[string]any{"n": json.Number("4611686018427387904")}, out["nested"])
	assert.True(t, in.Equal(out))
	assert.True(t, out.Contains(domain.Options{"relid": int64(9007199254740993)}))
	assert.False(t, out.Contains(domain.Options{"relid": int64(9007199254740992)}))

	var v struct {
		RelID int64 `json:"relid"`
	}
	require.NoError(t, out.Decode(&v))
	assert.Equal(t, int64(9007199254740993), v.RelID)
}

func TestTask_SameOperation(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := domain.Task{WorkerName: "vacuum", Options: domain.Options{"table": "t1"}, StartAt: start}
	b := a
	b.Options = domain.Options{"table": "t1"}
	assert.True(t, a.SameOperation(b))

	b.StartAt = start.Add(time.Second)
	assert.False(t, a.SameOperation(b))

	c := a
	c.WorkerName = "command"
	assert.False(t, a.SameOperation(c))

	// A rearmed recurring task keeps matching its original request.
	r := a
	r.Redo = "@every 1h"
	rearmed := r
	rearmed.StartAt = start.Add(time.Hour)
	assert.True(t, r.SameOperation(rearmed))

	rearmed.Redo = "@daily"
	assert.False(t, r.SameOperation(rearmed))
}

func TestListFilter_Match(t *testing.T) {
	task := domain.Task{WorkerName: "vacuum", Status: domain.StatusScheduled, Options: domain.Options{"table": "t1"}}

	assert.True(t, domain.ListFilter{}.Match(task))
	assert.True(t, domain.ListFilter{WorkerName: "vacuum", Statuses: domain.StatusPending}.Match(task))
	assert.False(t, domain.ListFilter{WorkerName: "command"}.Match(task))
	assert.False(t, domain.ListFilter{Statuses: domain.StatusTerminal}.Match(task))
	assert.False(t, domain.ListFilter{Options: domain.Options{"table": "t2"}}.Match(task))
}

func TestErrors_Is(t *testing.T) {
	assert.True(t, errors.Is(&domain.NotFoundError{TaskID: "x"}, domain.ErrNotFound))
	assert.True(t, errors.Is(&domain.ConflictError{TaskID: "x"}, domain.ErrConflict))
	assert.True(t, errors.Is(&domain.UnknownWorkerError{WorkerName: "x"}, domain.ErrInvalid))
	assert.True(t, errors.Is(domain.Invalidf("bad %s", "mode"), domain.ErrInvalid))
	assert.False(t, errors.Is(&domain.NotFoundError{TaskID: "x"}, domain.ErrConflict))
}
