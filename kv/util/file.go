package util

import (
	"os"

	"github.com/pingcap/errors"
)

func DirExists(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.IsDir()
}

// EnsureDir creates path and its parents if it does not exist yet.
func EnsureDir(path string) error {
	if DirExists(path) {
		return nil
	}
	return errors.WithStack(os.MkdirAll(path, 0755))
}
