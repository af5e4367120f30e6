package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	got, err := ParseSince("", now)
	require.NoError(t, err)
	require.True(t, got.IsZero())

	got, err = ParseSince("48h", now)
	require.NoError(t, err)
	require.Equal(t, now.Add(-48*time.Hour), got)

	got, err = ParseSince("2024-05-01", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseSince("2024-05-01T08:30:00Z", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC), got)

	_, err = ParseSince("not a date", now)
	require.Error(t, err)
}
