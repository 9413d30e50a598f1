package discovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "addresses.json")
	m := Matrix{
		{"127.0.0.1:31000", "127.0.0.1:31001"},
		{"127.0.0.1:31010", "127.0.0.1:31011"},
	}
	require.NoError(t, Save(path, m))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestFlatten(t *testing.T) {
	m := Matrix{{"a", "b"}, {"c"}}
	assert.Equal(t, []string{"a", "b", "c"}, m.Flatten())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
