package mcp

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, args map[string]any) (any, error) {
	return nil, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Tool{Name: "memory_store", Handler: noopHandler}))

	tool, ok := r.Get("memory_store")
	require.True(t, ok)
	assert.Equal(t, "memory_store", tool.Name)

	_, ok = r.Get("absent")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Tool{Name: "memory_store", Handler: noopHandler}))
	err := r.Register(&Tool{Name: "memory_store", Handler: noopHandler})
	assert.ErrorContains(t, err, "already registered")
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRejectsIncompleteTools(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(&Tool{Handler: noopHandler}))
	assert.Error(t, r.Register(&Tool{Name: "no_handler"}))
}

func TestRegistryListPreservesOrder(t *testing.T) {
	r := NewRegistry()
	names := []string{"zeta", "alpha", "mid"}
	for _, name := range names {
		require.NoError(t, r.Register(&Tool{
			Name:        name,
			Description: "does " + name,
			Handler:     noopHandler,
			Category:    "test",
		}))
	}

	infos := r.List()
	require.Len(t, infos, 3)
	for i, info := range infos {
		assert.Equal(t, names[i], info.Name)
		assert.Equal(t, "does "+names[i], info.Description)
		assert.Equal(t, "test", info.Category)
	}
}

func TestMustRegisterPanicsOnConflict(t *testing.T) {
	r := NewRegistry()
	r.MustRegister([]*Tool{{Name: "a", Handler: noopHandler}})
	assert.Panics(t, func() {
		r.MustRegister([]*Tool{{Name: "a", Handler: noopHandler}})
	})
}

func TestInvocationRingNewestFirst(t *testing.T) {
	var ring invocationRing
	for i := 0; i < 5; i++ {
		ring.add(Invocation{InvocationID: fmt.Sprintf("inv-%d", i)})
	}

	last := ring.last(3)
	require.Len(t, last, 3)
	assert.Equal(t, "inv-4", last[0].InvocationID)
	assert.Equal(t, "inv-2", last[2].InvocationID)

	all := ring.last(0)
	assert.Len(t, all, 5)
}

func TestInvocationRingWrapsAround(t *testing.T) {
	var ring invocationRing
	for i := 0; i < invocationRingSize+10; i++ {
		ring.add(Invocation{InvocationID: fmt.Sprintf("inv-%d", i)})
	}

	all := ring.last(0)
	require.Len(t, all, invocationRingSize)
	assert.Equal(t, fmt.Sprintf("inv-%d", invocationRingSize+9), all[0].InvocationID)
}
