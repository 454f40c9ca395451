package gateway

import "strings"

// mimeByExt is a small extension lookup table, following the original
// hashtree worker's own fixed table rather than net/http's broader (and
// platform-dependent) mime.TypeByExtension.
var mimeByExt = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json",
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".wasm": "application/wasm",
}

const defaultMIME = "application/octet-stream"

// mimeForName returns the MIME type for name's extension, or the
// default octet-stream type if unknown.
func mimeForName(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return defaultMIME
	}
	ext := strings.ToLower(name[idx:])
	if t, ok := mimeByExt[ext]; ok {
		return t
	}
	return defaultMIME
}
