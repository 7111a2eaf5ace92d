package fmt

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSprintFloat(t *testing.T) {
	for _, tc := range []struct {
		value    float64
		decimal  uint
		expected string
	}{
		{1, 2, "1"},
		{1.5, 2, "1.5"},
		{1.256, 2, "1.26"},
		{1.004, 2, "1"},
		{100, 0, "100"},
		{99.6, 0, "100"},
		{-0.001, 2, "0"},
		{-2.26, 1, "-2.3"},
	} {
		t.Run(strconv.FormatFloat(tc.value, 'g', -1, 64), func(t *testing.T) {
			require.Equal(t, tc.expected, SprintFloat(tc.value, tc.decimal))
		})
	}
}
