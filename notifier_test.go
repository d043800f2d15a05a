package roomkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type orderListener struct {
	NopListener
	got *[]string
}

func (l orderListener) OnRemoteUserEnterRoom(userID string) {
	*l.got = append(*l.got, userID)
}

type panicListener struct {
	NopListener
}

func (panicListener) OnRemoteUserEnterRoom(string) {
	panic("boom")
}

func TestNotifierKeepsOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string

	set := &listenerSet{}
	set.add(panicListener{})
	set.add(orderListener{got: &got})

	n := newNotifier(ctx, set)

	for _, id := range []string{"a", "b", "c", "d"} {
		id := id
		n.push(func(l Listener) { l.OnRemoteUserEnterRoom(id) })
	}

	n.flush()

	require.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestListenerSetRemove(t *testing.T) {
	set := &listenerSet{}

	h1 := set.add(NopListener{})
	h2 := set.add(NopListener{})
	require.NotEqual(t, h1, h2)
	require.Len(t, set.snapshot(), 2)

	require.True(t, set.remove(h1))
	require.False(t, set.remove(h1))
	require.Equal(t, h2, set.snapshot()[0].handle)
}

func TestNotifierDropsAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	set := &listenerSet{}
	n := newNotifier(ctx, set)

	cancel()
	<-n.done

	n.push(func(Listener) { t.Fatal("delivered after stop") })
	n.flush()
}
