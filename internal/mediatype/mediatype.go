// Package mediatype infers the Content-Type of educational media files
// from their extension.
package mediatype

import (
	"mime"
	"path/filepath"
	"strings"
)

// Default is used when nothing is known about an extension.
const Default = "application/octet-stream"

// fallback covers media types that are missing or wrong in minimal
// system mime tables (containers, distroless images).
var fallback = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".flac": "audio/flac",
	".opus": "audio/opus",
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".srt":  "application/x-subrip",
	".vtt":  "text/vtt",
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
}

// Detect returns the content type for name. The system registry is
// consulted first, then the media table, then Default. Charset
// parameters are kept only for text types.
func Detect(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return Default
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return normalize(t)
	}
	if t, ok := fallback[ext]; ok {
		return t
	}
	return Default
}

func normalize(t string) string {
	mt, params, err := mime.ParseMediaType(t)
	if err != nil {
		return t
	}
	if strings.HasPrefix(mt, "text/") || mt == "application/json" {
		if cs, ok := params["charset"]; ok {
			return mime.FormatMediaType(mt, map[string]string{"charset": cs})
		}
	}
	return mt
}
