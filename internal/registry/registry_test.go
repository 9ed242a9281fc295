package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoDescriptor() Descriptor {
	return Descriptor{
		AgentID:  "echo",
		Name:     "Echo Agent",
		Category: "testing",
		Tags:     []string{"demo", "chat"},
		Capabilities: []Capability{
			{Name: "chat", Description: "echoes input"},
		},
		Enabled: true,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(context.Background(), echoDescriptor()))

	got, ok := r.Get("echo")
	require.True(t, ok)
	require.Equal(t, "Echo Agent", got.Name)
	require.True(t, got.HasCapability("chat"))
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(context.Background(), echoDescriptor()))
	err := r.Register(context.Background(), echoDescriptor())
	require.Error(t, err)
}

func TestRegisterRequiresCapability(t *testing.T) {
	r := New()
	d := echoDescriptor()
	d.Capabilities = nil
	require.Error(t, r.Register(context.Background(), d))
}

func TestUpdatePreservesCapabilitiesWhenNil(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(context.Background(), echoDescriptor()))

	newName := "Echo Agent v2"
	require.NoError(t, r.Update(context.Background(), "echo", Patch{Name: &newName}))

	got, ok := r.Get("echo")
	require.True(t, ok)
	require.Equal(t, newName, got.Name)
	require.True(t, got.HasCapability("chat"))
}

func TestByTagAndCategory(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(context.Background(), echoDescriptor()))

	require.ElementsMatch(t, []string{"echo"}, r.ByTag("demo"))
	require.ElementsMatch(t, []string{"echo"}, r.ByCategory("testing"))
}

func TestSetEnabledAndRemove(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(context.Background(), echoDescriptor()))
	require.NoError(t, r.SetEnabled(context.Background(), "echo", false))

	got, _ := r.Get("echo")
	require.False(t, got.Enabled)

	require.NoError(t, r.Remove(context.Background(), "echo"))
	_, ok := r.Get("echo")
	require.False(t, ok)
	require.Empty(t, r.ByTag("demo"))
}

func TestListFilterQuery(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(context.Background(), echoDescriptor()))

	res := r.List(Filter{Query: "ech"})
	require.Len(t, res, 1)

	res = r.List(Filter{Query: "nomatch"})
	require.Empty(t, res)
}
