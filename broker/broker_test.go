package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBroker(t *testing.T) {
	t.Run("no subscribers", func(t *testing.T) {
		b := NewBroker[int]()
		require.ErrorIs(t, b.Publish(1), ErrNoSubscribers)
	})

	t.Run("ordered fan-out", func(t *testing.T) {
		b := NewBroker[int]()
		a := b.Subscribe("a", 10)
		c := b.Subscribe("c", 10)
		for i := range 5 {
			require.NoError(t, b.Publish(i))
		}
		for _, ch := range []<-chan int{a, c} {
			for i := range 5 {
				require.Equal(t, i, <-ch)
			}
		}
	})

	t.Run("full subscriber drops", func(t *testing.T) {
		b := NewBroker[int]()
		ch := b.Subscribe("slow", 1)
		require.NoError(t, b.Publish(1))
		require.NoError(t, b.Publish(2))
		require.Equal(t, 1, <-ch)
		require.Equal(t, uint64(1), b.Dropped("slow"))
	})

	t.Run("unsubscribe closes", func(t *testing.T) {
		b := NewBroker[int]()
		ch := b.Subscribe("a", 1)
		b.Unsubscribe("a")
		_, ok := <-ch
		require.False(t, ok)
		require.ErrorIs(t, b.Publish(1), ErrNoSubscribers)
	})

	t.Run("close", func(t *testing.T) {
		b := NewBroker[int]()
		ch := b.Subscribe("a", 1)
		b.Close()
		_, ok := <-ch
		require.False(t, ok)
	})
}
