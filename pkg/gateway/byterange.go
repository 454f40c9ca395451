package gateway

import (
	"strconv"
	"strings"
)

// byteRange is a parsed `Range: bytes=...` request, with Start/End
// resolved against the total size (both inclusive, matching
// Content-Range semantics).
type byteRange struct {
	Start, End int64
}

// parseRange parses the value of a Range header against a known total
// size. It accepts `start-end`, `start-`, and `-suffixLen` forms. Any
// unparseable or out-of-bounds range is reported via ok=false, meaning
// the caller should serve the full body instead of a 416.
func parseRange(header string, total int64) (byteRange, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return byteRange{}, false
	}
	spec = strings.TrimSpace(spec)

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return byteRange{}, false
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// suffix range: -N means the last N bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false
		}
		start := total - n
		if start < 0 {
			start = 0
		}
		if total == 0 {
			return byteRange{}, false
		}
		return byteRange{Start: start, End: total - 1}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= total {
		return byteRange{}, false
	}

	end := total - 1
	if endStr != "" {
		e, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || e < start {
			return byteRange{}, false
		}
		if e < end {
			end = e
		}
	}
	return byteRange{Start: start, End: end}, true
}
