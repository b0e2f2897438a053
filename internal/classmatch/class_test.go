package classmatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatchesTimeRangeAndFeedtype(t *testing.T) {
	from := time.Unix(100, 0)
	to := time.Unix(200, 0)
	c, err := Compile(nil, from, to, []FeedtypeSpec{{Feedtype: 0x01, Pattern: "^KXYZ.*"}})
	require.NoError(t, err)

	require.True(t, c.Matches(time.Unix(150, 0), 0x01, "KXYZ/TEST"))
	require.False(t, c.Matches(time.Unix(50, 0), 0x01, "KXYZ/TEST"), "before range")
	require.False(t, c.Matches(time.Unix(150, 0), 0x02, "KXYZ/TEST"), "wrong feedtype")
	require.False(t, c.Matches(time.Unix(150, 0), 0x01, "OTHER"), "no regex match")
}

func TestMatchesOrsMultipleSpecs(t *testing.T) {
	c, err := Compile(nil, time.Time{}, time.Unix(1<<61, 0), []FeedtypeSpec{
		{Feedtype: 0x01, Pattern: "^A"},
		{Feedtype: 0x02, Pattern: "^B"},
	})
	require.NoError(t, err)

	require.True(t, c.Matches(time.Now(), 0x02, "BFOO"))
	require.False(t, c.Matches(time.Now(), 0x02, "AFOO"))
}

func TestPathologicalRegexFallsBackToLiteral(t *testing.T) {
	c, err := Compile(nil, time.Time{}, time.Unix(1<<61, 0), []FeedtypeSpec{
		{Feedtype: AnyFeedtype, Pattern: "(a+)+b"},
	})
	require.NoError(t, err)
	// Falls back to a literal match of the exact pathological string.
	require.False(t, c.Matches(time.Now(), AnyFeedtype, "aaaaaaaaaaaaaaaaaaaac"))
	require.True(t, c.Matches(time.Now(), AnyFeedtype, "(a+)+b"))
}

func TestSetFrom(t *testing.T) {
	c := MustLiteral(AnyFeedtype, ".*")
	t0 := time.Unix(1000, 0)
	c.SetFrom(t0)
	require.Equal(t, t0, c.From)
}
