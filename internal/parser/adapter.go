package parser

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// SupportedExtensions are the source extensions the discovery walk accepts.
var SupportedExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".mjs": true, ".cjs": true, ".py": true, ".go": true,
	".rs": true, ".java": true,
}

// Adapter turns (path, bytes) into ParsedFile / ParsedDoc records. It selects
// an AST backend per extension and degrades to a coarse line-based extractor
// when no grammar is available or the AST parse fails. The output shape is
// identical either way.
type Adapter struct{}

// NewAdapter creates a parser adapter.
func NewAdapter() *Adapter {
	return &Adapter{}
}

// IsSupported reports whether the path has an indexable source extension.
func IsSupported(path string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsSupported reports whether the path has an indexable source extension.
func (a *Adapter) IsSupported(path string) bool {
	return IsSupported(path)
}

// DetectLanguage returns the language identifier for a path.
func (a *Adapter) DetectLanguage(path string) string {
	return DetectLanguage(path)
}

// DetectLanguage returns the language identifier for a path, or "" when the
// extension is not indexable.
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts":
		return "typescript"
	case ".tsx":
		return "tsx"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".jsx":
		return "jsx"
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	default:
		return ""
	}
}

// ParseFile parses one source file. Unreadable or unparseable content yields
// a ParsedFile with empty symbol slices and a warning, never an error: a bad
// file must not abort a build.
func (a *Adapter) ParseFile(absPath, relPath string, data []byte) *ParsedFile {
	lang := DetectLanguage(absPath)
	pf := &ParsedFile{
		FilePath:     absPath,
		RelativePath: filepath.ToSlash(relPath),
		Language:     lang,
		LOC:          CountLines(data),
		Hash:         ContentHash(data),
	}

	if lang == "" {
		pf.Warnings = append(pf.Warnings, fmt.Sprintf("unsupported extension: %s", absPath))
		return pf
	}
	if !utf8.Valid(data) {
		pf.Warnings = append(pf.Warnings, fmt.Sprintf("not valid UTF-8, skipping symbol extraction: %s", relPath))
		return pf
	}

	if hasASTBackend(lang) {
		if err := extractWithTreeSitter(pf, lang, data); err == nil {
			detectTestSuites(pf, data)
			return pf
		} else {
			pf.Warnings = append(pf.Warnings, fmt.Sprintf("ast parse failed for %s, using fallback extractor: %v", relPath, err))
		}
	}

	extractWithFallback(pf, lang, data)
	detectTestSuites(pf, data)
	return pf
}

// ParseDoc parses one markdown document into titled sections.
func (a *Adapter) ParseDoc(absPath, relPath string, data []byte) *ParsedDoc {
	return parseMarkdown(absPath, filepath.ToSlash(relPath), data)
}

// detectTestSuites recognizes test groupings by filename convention and
// symbol shape. It runs after symbol extraction so both backends benefit.
func detectTestSuites(pf *ParsedFile, data []byte) {
	if !isTestFile(pf.RelativePath) {
		return
	}

	category := "unit"
	if strings.Contains(pf.RelativePath, "integration") {
		category = "integration"
	} else if strings.Contains(pf.RelativePath, "e2e") {
		category = "e2e"
	}

	switch pf.Language {
	case "go":
		for _, fn := range pf.Functions {
			if strings.HasPrefix(fn.Name, "Test") {
				pf.TestSuites = append(pf.TestSuites, ParsedTestSuite{
					Name: fn.Name, Type: "go", Category: category,
					StartLine: fn.StartLine, EndLine: fn.EndLine,
				})
			}
		}
	case "python":
		for _, cls := range pf.Classes {
			if strings.HasPrefix(cls.Name, "Test") {
				pf.TestSuites = append(pf.TestSuites, ParsedTestSuite{
					Name: cls.Name, Type: "pytest", Category: category,
					StartLine: cls.StartLine, EndLine: cls.EndLine,
				})
			}
		}
	default:
		// jest/vitest style: describe("name", ...) blocks
		for _, suite := range scanDescribeBlocks(data) {
			suite.Category = category
			pf.TestSuites = append(pf.TestSuites, suite)
		}
	}
}

func isTestFile(relPath string) bool {
	base := filepath.Base(relPath)
	return strings.HasSuffix(base, "_test.go") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") ||
		strings.HasPrefix(base, "test_") ||
		strings.Contains(relPath, "/__tests__/")
}
