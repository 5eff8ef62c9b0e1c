package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type ping struct{ n int }
type pong struct{}

func TestSubscribeAndPublish(t *testing.T) {
	b := New()
	var got []string
	un1 := SubscribeTo(b, func(_ context.Context, e ping) { got = append(got, "a") })
	un2 := SubscribeTo(b, func(_ context.Context, e ping) { got = append(got, "b") })
	SubscribeTo(b, func(_ context.Context, e pong) { got = append(got, "pong") })
	require.Equal(t, 2, Len[ping](b))

	PublishTo(context.Background(), b, ping{n: 1})
	require.Equal(t, []string{"a", "b"}, got)

	un1()
	un1()
	require.Equal(t, 1, Len[ping](b))
	got = nil
	PublishTo(context.Background(), b, ping{})
	require.Equal(t, []string{"b"}, got)

	un2()
	require.Zero(t, Len[ping](b))
	require.Equal(t, 1, Len[pong](b))
}

func TestGlobalBus(t *testing.T) {
	Use(nil)
	require.Nil(t, Current())
	Publish(context.Background(), ping{})
	Subscribe(func(context.Context, ping) {})()

	b := New()
	Use(b)
	t.Cleanup(func() { Use(nil) })
	var n int
	unsubscribe := Subscribe(func(_ context.Context, e ping) { n += e.n })
	Publish(context.Background(), ping{n: 2})
	Publish(context.Background(), ping{n: 3})
	unsubscribe()
	Publish(context.Background(), ping{n: 4})
	require.Equal(t, 5, n)
}
