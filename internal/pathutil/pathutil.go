// Package pathutil resolves the on-disk layout for a hashtreed data
// directory.
package pathutil

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

const dirName = ".hashtreed"

// VarDir returns the root data directory, honoring $HASHTREED_DATA_DIR
// before falling back to ~/.hashtreed.
func VarDir() string {
	if d := os.Getenv("HASHTREED_DATA_DIR"); d != "" {
		return d
	}
	home, err := homedir.Dir()
	if err != nil {
		return dirName
	}
	return filepath.Join(home, dirName)
}

// Layout is the set of subdirectories hashtreed expects under VarDir.
type Layout struct {
	Root        string
	Blobs       string
	History     string
	NostrDB     string
	Permissions string
}

// NewLayout builds a Layout rooted at dir, creating every subdirectory.
func NewLayout(dir string) (*Layout, error) {
	l := &Layout{
		Root:        dir,
		Blobs:       filepath.Join(dir, "blobs"),
		History:     filepath.Join(dir, "history"),
		NostrDB:     filepath.Join(dir, "nostrdb"),
		Permissions: filepath.Join(dir, "permissions.json"),
	}
	for _, d := range []string{l.Root, l.Blobs, l.History, l.NostrDB} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, err
		}
	}
	return l, nil
}
