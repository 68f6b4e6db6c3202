package parser

// ParsedFile is the canonical symbol-level view of one source file.
// The graph builder consumes this shape regardless of which backend
// (AST or coarse extractor) produced it.
type ParsedFile struct {
	FilePath     string // absolute
	RelativePath string // relative to workspace root, slash-separated
	Language     string
	LOC          int
	Hash         string
	Functions    []ParsedFunction
	Classes      []ParsedClass
	Imports      []ParsedImport
	Exports      []ParsedExport
	TestSuites   []ParsedTestSuite
	Warnings     []string
}

// ParsedFunction covers free functions, methods and arrow functions.
type ParsedFunction struct {
	Name       string
	Kind       string // "function", "method", "arrow"
	StartLine  int
	EndLine    int
	Parameters []string
	IsExported bool
}

// LOC returns the line span of the function body.
func (f ParsedFunction) LOC() int {
	return f.EndLine - f.StartLine + 1
}

// ParsedClass covers classes, interfaces and type-like declarations.
type ParsedClass struct {
	Name       string
	Kind       string // "class" or "interface"
	StartLine  int
	EndLine    int
	IsExported bool
	Extends    []string
	Implements []string
}

// LOC returns the line span of the class body.
func (c ParsedClass) LOC() int {
	return c.EndLine - c.StartLine + 1
}

// ParsedImport is one import statement.
type ParsedImport struct {
	Source     string // module specifier, quotes stripped
	Specifiers []string
	StartLine  int
}

// ParsedExport is one exported binding.
type ParsedExport struct {
	Name      string
	IsDefault bool
	StartLine int
}

// ParsedTestSuite is a detected test grouping (describe block, Test func,
// unittest class).
type ParsedTestSuite struct {
	Name      string
	Type      string // framework hint: "jest", "go", "pytest", "generic"
	Category  string // "unit", "integration", "e2e"
	StartLine int
	EndLine   int
}

// ParsedDoc is the canonical view of one markdown document.
type ParsedDoc struct {
	RelativePath string
	FilePath     string
	Title        string
	Kind         string // readme, adr, changelog, guide, architecture, other
	Hash         string
	WordCount    int
	Sections     []ParsedSection
}

// ParsedSection is one heading-delimited slice of a document.
type ParsedSection struct {
	Index        int
	Heading      string
	Level        int
	Content      string
	StartLine    int
	WordCount    int
	BacktickRefs []string
	CodeFences   []string // fence info strings (languages)
	Links        []string
}
