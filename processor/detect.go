package processor

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// DefaultContentType is stored when nothing else can be determined.
const DefaultContentType = "application/octet-stream"

// Detect resolves a payload's content type: magic bytes first, then the path
// extension, then a UTF-8 sniff that settles for text/plain, and finally
// DefaultContentType.
func Detect(path string, data []byte) string {
	if ct := detectMagic(data); ct != "" {
		return ct
	}
	if ct := extensionTypes[strings.ToLower(filepath.Ext(path))]; ct != "" {
		return ct
	}
	if len(data) > 0 && textual(data) {
		return "text/plain"
	}
	return DefaultContentType
}

const (
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimePPTX = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// detectMagic matches the payload against known file signatures. Returns ""
// when no signature matches.
func detectMagic(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return "application/pdf"
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return sniffZip(data)
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case bytes.HasPrefix(data, []byte("RIFF")) && len(data) >= 12:
		switch string(data[8:12]) {
		case "WEBP":
			return "image/webp"
		case "WAVE":
			return "audio/wav"
		case "AVI ":
			return "video/x-msvideo"
		}
		return ""
	case len(data) >= 12 && string(data[4:8]) == "ftyp":
		switch string(data[8:12]) {
		case "qt  ":
			return "video/quicktime"
		case "M4A ":
			return "audio/mp4"
		}
		return "video/mp4"
	case bytes.HasPrefix(data, []byte{0x1a, 0x45, 0xdf, 0xa3}):
		// EBML header; the doctype string distinguishes webm from matroska.
		head := data
		if len(head) > 64 {
			head = head[:64]
		}
		if bytes.Contains(head, []byte("webm")) {
			return "video/webm"
		}
		return "video/x-matroska"
	case bytes.HasPrefix(data, []byte("ID3")):
		return "audio/mpeg"
	case len(data) >= 2 && data[0] == 0xff && (data[1] == 0xfb || data[1] == 0xfa || data[1] == 0xf3 || data[1] == 0xf2):
		return "audio/mpeg"
	case bytes.HasPrefix(data, []byte("OggS")):
		return "audio/ogg"
	case bytes.HasPrefix(data, []byte("fLaC")):
		return "audio/flac"
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		return "application/gzip"
	}
	return ""
}

// sniffZip tells the OOXML document formats apart from a generic archive.
// Real OOXML files always carry [Content_Types].xml plus their format's
// top-level part directory.
func sniffZip(data []byte) string {
	if !bytes.Contains(data, []byte("[Content_Types].xml")) {
		return "application/zip"
	}
	switch {
	case bytes.Contains(data, []byte("word/")):
		return mimeDOCX
	case bytes.Contains(data, []byte("ppt/")):
		return mimePPTX
	case bytes.Contains(data, []byte("xl/")):
		return mimeXLSX
	}
	return "application/zip"
}

// extensionTypes maps file extensions to content types. The code entries
// line up with the types the extraction registry routes to the code
// extractor.
var extensionTypes = map[string]string{
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".html":     "text/html",
	".htm":      "text/html",
	".css":      "text/css",
	".csv":      "text/csv",
	".json":     "application/json",
	".xml":      "application/xml",
	".yaml":     "application/x-yaml",
	".yml":      "application/x-yaml",

	".js":    "text/javascript",
	".jsx":   "text/javascript",
	".mjs":   "text/javascript",
	".ts":    "text/typescript",
	".tsx":   "text/typescript",
	".py":    "text/x-python",
	".go":    "text/x-go",
	".java":  "text/x-java",
	".c":     "text/x-c",
	".h":     "text/x-c",
	".cc":    "text/x-c++",
	".cpp":   "text/x-c++",
	".cs":    "text/x-csharp",
	".rb":    "text/x-ruby",
	".rs":    "text/x-rust",
	".php":   "text/x-php",
	".swift": "text/x-swift",
	".kt":    "text/x-kotlin",
	".sh":    "text/x-shellscript",
	".bash":  "text/x-shellscript",
	".sql":   "text/x-sql",

	".pdf":  "application/pdf",
	".docx": mimeDOCX,
	".pptx": mimePPTX,
	".xlsx": mimeXLSX,
	".doc":  "application/msword",
	".xls":  "application/vnd.ms-excel",
	".ppt":  "application/vnd.ms-powerpoint",

	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".bmp":  "image/bmp",

	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",

	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
}

// textual reports whether the payload reads as text: valid UTF-8 with no NUL
// bytes, judged over the first 8 KiB.
func textual(data []byte) bool {
	sample := data
	if len(sample) > 8192 {
		sample = sample[:8192]
		// The cut may have landed mid-rune; shave the partial tail before
		// judging.
		for i := 0; i < 3 && !utf8.Valid(sample); i++ {
			sample = sample[:len(sample)-1]
		}
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return false
	}
	return utf8.Valid(sample)
}
