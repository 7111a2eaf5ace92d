package printer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fornellas/printhost/protocol"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newTestResendTracker() (*resendTracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newResendTracker(3, time.Second, clock.Now), clock
}

func TestResendTrackerNumber(t *testing.T) {
	r, _ := newTestResendTracker()
	require.Equal(t, protocol.NumberLine(1, "M21"), r.number("M21"))
	require.Equal(t, protocol.NumberLine(2, "M105"), r.number("M105"))

	r.reset()
	require.Equal(t, protocol.NumberLine(1, "G28"), r.number("G28"))
}

func TestResendTrackerRequest(t *testing.T) {
	r, clock := newTestResendTracker()
	for _, command := range []string{"G28", "M105", "G1 X10"} {
		r.number(command)
	}

	lines, err := r.request(2)
	require.NoError(t, err)
	require.Equal(t, []string{
		protocol.NumberLine(2, "M105"),
		protocol.NumberLine(3, "G1 X10"),
	}, lines)

	t.Run("swallowed", func(t *testing.T) {
		_, err := r.request(2)
		require.ErrorIs(t, err, errResendSwallowed)
	})

	t.Run("after backoff", func(t *testing.T) {
		clock.now = clock.now.Add(2 * time.Second)
		lines, err := r.request(2)
		require.NoError(t, err)
		require.Len(t, lines, 2)
	})

	t.Run("after sending", func(t *testing.T) {
		r.sent()
		lines, err := r.request(2)
		require.NoError(t, err)
		require.Len(t, lines, 2)
	})

	t.Run("too many retries", func(t *testing.T) {
		r.sent()
		_, err := r.request(2)
		require.EqualError(t, err, "printer: line 2: resend requested 4 times")
	})

	t.Run("ack resets retries", func(t *testing.T) {
		r.ack()
		r.sent()
		lines, err := r.request(2)
		require.NoError(t, err)
		require.Len(t, lines, 2)
	})

	t.Run("unknown line", func(t *testing.T) {
		_, err := r.request(42)
		require.EqualError(t, err, "printer: line 42: not in history, can't resend")
	})
}

func TestResendTrackerHistoryBounded(t *testing.T) {
	r, _ := newTestResendTracker()
	for range historySize + 10 {
		r.number("M105")
	}
	_, err := r.request(1)
	require.Error(t, err)

	lines, err := r.request(historySize + 10)
	require.NoError(t, err)
	require.Equal(t, []string{protocol.NumberLine(historySize+10, "M105")}, lines)
}
