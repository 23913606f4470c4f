package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	clk := New(start)
	require.Equal(t, time.UTC, clk.Now().Location())
	require.True(t, clk.Now().Equal(start))

	got := clk.Advance(90 * time.Minute)
	require.True(t, got.Equal(start.Add(90*time.Minute)))
	require.Equal(t, got, clk.Now())

	later := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	clk.Set(later)
	require.Equal(t, later, clk.Now())
}
