package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentvault/rentvault/internal/failure"
)

func TestDecode(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 123, time.UTC)

	c, err := Decode(Encode(ts, "tx_abc"))
	require.NoError(t, err)
	assert.Equal(t, ts, c.CreatedAt)
	assert.Equal(t, "tx_abc", c.ID)

	c, err = Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{"***", "bm9waXBl", Encode(ts, "")} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
		assert.Equal(t, failure.KindValidation, failure.KindOf(err))
	}
}

func TestCursorBefore(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "tx_m"}

	assert.True(t, c.Before(ts.Add(-time.Second), "tx_z"))
	assert.False(t, c.Before(ts.Add(time.Second), "tx_a"))
	assert.True(t, c.Before(ts, "tx_a"))
	assert.False(t, c.Before(ts, "tx_m"))
	assert.True(t, (*Cursor)(nil).Before(ts, "anything"))
}

func TestPage(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return ts, s }

	items, next := Page([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)

	items, next = Page([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
