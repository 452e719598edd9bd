package extract

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/bbiangul/ingestor/llm"
)

// CodeExtractor handles source code. The language is resolved from the file
// extension, the content type, and finally content heuristics, and rides
// into the prompt as a hint.
type CodeExtractor struct {
	client *llm.Client
	log    *slog.Logger
}

func NewCodeExtractor(client *llm.Client, log *slog.Logger) *CodeExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &CodeExtractor{client: client, log: log}
}

// codeContentTypes routes the common source-code MIME types here. Anything
// not listed falls through to the text/* wildcard, which still produces
// sensible entities.
var codeContentTypes = []string{
	"application/javascript",
	"application/json",
	"application/x-python",
	"application/x-sh",
	"application/xml",
	"text/javascript",
	"text/typescript",
	"text/x-c",
	"text/x-c++",
	"text/x-csharp",
	"text/x-go",
	"text/x-java",
	"text/x-kotlin",
	"text/x-php",
	"text/x-python",
	"text/x-ruby",
	"text/x-rust",
	"text/x-script.python",
	"text/x-shellscript",
	"text/x-sql",
	"text/x-swift",
}

func (x *CodeExtractor) Patterns() []string {
	return codeContentTypes
}

func (x *CodeExtractor) Extract(ctx context.Context, in Input, opts Options) (*Result, error) {
	data, err := in.resolve()
	if err != nil {
		return nil, err
	}
	if opts.Language == "" {
		opts.Language = detectLanguage(in.Path, in.ContentType, data)
	}
	ct := in.ContentType
	if ct == "" {
		ct = "text/plain"
	}
	return runText(ctx, x.client, x.log, string(data), ct, llm.TemplateCode, codeRules, opts)
}

// extLanguages maps file extensions to language names.
var extLanguages = map[string]string{
	".c":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".cs":    "csharp",
	".go":    "go",
	".h":     "c",
	".java":  "java",
	".js":    "javascript",
	".jsx":   "javascript",
	".kt":    "kotlin",
	".php":   "php",
	".py":    "python",
	".rb":    "ruby",
	".rs":    "rust",
	".sh":    "shell",
	".sql":   "sql",
	".swift": "swift",
	".ts":    "typescript",
	".tsx":   "typescript",
}

// detectLanguage resolves the programming language from the file extension,
// then the content type, then content heuristics. Returns "" when nothing
// matches.
func detectLanguage(path, contentType string, data []byte) string {
	if lang := extLanguages[strings.ToLower(filepath.Ext(path))]; lang != "" {
		return lang
	}

	switch ct := normalizeContentType(contentType); {
	case ct == "text/javascript" || ct == "application/javascript":
		return "javascript"
	case ct == "text/typescript":
		return "typescript"
	case ct == "application/x-python" || ct == "text/x-script.python":
		return "python"
	case ct == "application/x-sh" || ct == "text/x-shellscript":
		return "shell"
	case strings.HasPrefix(ct, "text/x-"):
		return strings.TrimPrefix(ct, "text/x-")
	}

	src := string(data)
	switch {
	case strings.Contains(src, "import ") && strings.Contains(src, " from "):
		return "javascript"
	case strings.Contains(src, "def ") && strings.Contains(src, "(self"):
		return "python"
	case strings.Contains(src, "public class "):
		return "java"
	case strings.Contains(src, "interface {"):
		return "go"
	}
	return ""
}
