package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFilterEmptyMatchesAll(t *testing.T) {
	f, err := NewPathFilter(nil, nil)
	require.NoError(t, err)

	assert.True(t, f.Match("/any/path"))
	assert.True(t, f.Match(""))
}

func TestPathFilterInclude(t *testing.T) {
	f, err := NewPathFilter([]string{"/home/**", "/srv/*"}, nil)
	require.NoError(t, err)

	assert.True(t, f.Match("/home/alice/docs"))
	assert.True(t, f.Match("/srv/www"))
	// '*' does not cross a path separator
	assert.False(t, f.Match("/srv/www/logs"))
	assert.False(t, f.Match("/tmp/scratch"))
}

func TestPathFilterExcludeWins(t *testing.T) {
	f, err := NewPathFilter([]string{"/home/**"}, []string{"/home/*/.cache/**"})
	require.NoError(t, err)

	assert.True(t, f.Match("/home/alice/docs"))
	assert.False(t, f.Match("/home/alice/.cache/thumbs"))
}

func TestPathFilterExcludeOnly(t *testing.T) {
	f, err := NewPathFilter(nil, []string{"/tmp/**"})
	require.NoError(t, err)

	assert.True(t, f.Match("/home/alice"))
	assert.False(t, f.Match("/tmp/x"))
}

func TestPathFilterInvalidPattern(t *testing.T) {
	_, err := NewPathFilter([]string{"[unclosed"}, nil)
	assert.Error(t, err)

	_, err = NewPathFilter(nil, []string{"[unclosed"})
	assert.Error(t, err)
}
