package inmemory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/planrunner/internal/notifier"
	"github.com/agentcore/planrunner/internal/notifier/inmemory"
)

func TestSendDeliversToAttachedClient(t *testing.T) {
	n := inmemory.New()
	ch := n.Attach("r1")
	n.Send(context.Background(), notifier.Status("r1", "working"))

	ev := <-ch
	assert.Equal(t, notifier.EventStatus, ev.Type)
	assert.Equal(t, "r1", ev.RouterID)
	assert.Equal(t, "working", ev.Message)
}

func TestSendWithoutClientDropsSilently(t *testing.T) {
	n := inmemory.New()
	// Nothing attached for this router; Send must not block or panic.
	n.Send(context.Background(), notifier.InputLock("ghost"))
}

func TestSendIsScopedPerRouter(t *testing.T) {
	n := inmemory.New()
	r1 := n.Attach("r1")
	r2 := n.Attach("r2")

	n.Send(context.Background(), notifier.Status("r1", "only r1"))

	require.Len(t, r1, 1)
	assert.Len(t, r2, 0)
}

func TestReattachReplacesPreviousClient(t *testing.T) {
	n := inmemory.New()
	old := n.Attach("r1")
	fresh := n.Attach("r1")

	// The previous channel is closed so its consumer terminates.
	_, ok := <-old
	assert.False(t, ok)

	n.Send(context.Background(), notifier.Status("r1", "hello"))
	assert.Len(t, fresh, 1)
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	n := inmemory.New()
	ch := n.Attach("r1")
	for i := 0; i < 200; i++ {
		n.Send(context.Background(), notifier.Status("r1", "spam"))
	}
	assert.Equal(t, cap(ch), len(ch))
}

func TestDetachClosesChannel(t *testing.T) {
	n := inmemory.New()
	ch := n.Attach("r1")
	n.Detach("r1")
	_, ok := <-ch
	assert.False(t, ok)
}
