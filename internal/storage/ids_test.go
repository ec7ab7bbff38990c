package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncTokens(t *testing.T) {
	assert.Equal(t, "seq:42", FormatSyncToken(42))

	n, ok := ParseSyncToken("seq:42")
	assert.True(t, ok)
	assert.EqualValues(t, 42, n)

	n, ok = ParseSyncToken("http://example.com/sync/seq:7")
	assert.True(t, ok)
	assert.EqualValues(t, 7, n)

	for _, bad := range []string{"", "seq:", "seq:-1", "token", "seq:x"} {
		_, ok := ParseSyncToken(bad)
		assert.False(t, ok, bad)
	}
}

func TestComponents(t *testing.T) {
	assert.Equal(t, []string{"VEVENT", "VTODO"}, SplitComponents("vevent, VTODO,"))
	assert.Equal(t, "VEVENT,VTODO", JoinComponents([]string{"VEVENT", "VTODO"}))
	assert.Nil(t, SplitComponents(""))
}

func TestNewTagIsUnique(t *testing.T) {
	a, b := NewTag(), NewTag()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
