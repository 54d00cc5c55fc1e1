package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"maintflow/internal/domain"
)

func TestTaskID_Deterministic(t *testing.T) {
	a := domain.TaskID("postgres", "public", "t1", "2026-01-02T03:04:05Z")
	b := domain.TaskID("postgres", "public", "t1", "2026-01-02T03:04:05Z")
	assert.Equal(t, a, b)
	assert.Len(t, a, domain.TaskIDLength)
	assert.True(t, domain.ValidTaskID(a))
}

func TestTaskID_DifferentParameters(t *testing.T) {
	a := domain.TaskID("postgres", "public", "t1", "2026-01-02T03:04:05Z")
	b := domain.TaskID("postgres", "public", "t2", "2026-01-02T03:04:05Z")
	assert.NotEqual(t, a, b)
}

func TestTaskID_SeparatorInValue(t *testing.T) {
	assert.NotEqual(t, domain.TaskID("a:b", "c"), domain.TaskID("a", "b:c"))
	assert.NotEqual(t, domain.TaskID("ab", ""), domain.TaskID("a", "b"))
}

func TestValidTaskID(t *testing.T) {
	assert.True(t, domain.ValidTaskID("0123abcd"))
	assert.False(t, domain.ValidTaskID("0123ABCD"))
	assert.False(t, domain.ValidTaskID("0123abc"))
	assert.False(t, domain.ValidTaskID("0123abcde"))
	assert.False(t, domain.ValidTaskID("0123abcg"))
}
