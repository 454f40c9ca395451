// Package logging centralizes the log15 root logger setup shared by
// every component.
package logging

import (
	"os"

	log2 "github.com/inconshreveable/log15"
)

// Root is the process-wide logger. Components derive a child logger from
// it with Root.New("component", name) at construction time.
var Root = log2.New()

func init() {
	Root.SetHandler(log2.StreamHandler(os.Stderr, log2.LogfmtFormat()))
}

// SetDebug switches the root handler to debug verbosity.
func SetDebug(debug bool) {
	lvl := log2.LvlInfo
	if debug {
		lvl = log2.LvlDebug
	}
	Root.SetHandler(log2.LvlFilterHandler(lvl, log2.StreamHandler(os.Stderr, log2.LogfmtFormat())))
}
