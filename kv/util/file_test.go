package util

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	base, err := ioutil.TempDir("", "tinytxn-util")
	require.Nil(t, err)
	defer os.RemoveAll(base)

	dir := filepath.Join(base, "a", "b")
	assert.False(t, DirExists(dir))
	require.Nil(t, EnsureDir(dir))
	assert.True(t, DirExists(dir))
	require.Nil(t, EnsureDir(dir))
}
