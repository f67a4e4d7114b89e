package handlers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/planrunner/internal/handlers"
	"github.com/agentcore/planrunner/internal/store"
)

func noop(context.Context, *store.TaskRecord) error { return nil }

func TestRegisterAndGet(t *testing.T) {
	r := handlers.NewRegistry()
	require.NoError(t, r.Register(handlers.ExecuteInitialPlanning, noop))

	h, ok := r.Get(handlers.ExecuteInitialPlanning)
	assert.True(t, ok)
	assert.NotNil(t, h)

	_, ok = r.Get("unknown")
	assert.False(t, ok)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	r := handlers.NewRegistry()
	require.NoError(t, r.Register(handlers.ExecuteSynthesis, noop))
	assert.Error(t, r.Register(handlers.ExecuteSynthesis, noop))
}

func TestInvalidRegistrationFails(t *testing.T) {
	r := handlers.NewRegistry()
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("x", nil))
}
