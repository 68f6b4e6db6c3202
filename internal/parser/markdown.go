package parser

import (
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// looksLikeCodeRef accepts backtick spans that look like identifiers or
// paths rather than prose, e.g. `buildGraph`, `internal/graph/builder.go`.
func looksLikeCodeRef(s string) bool {
	if s == "" || len(s) > 120 || strings.ContainsAny(s, " \t\n") {
		return false
	}
	for _, r := range s {
		ok := r == '.' || r == '/' || r == '_' || r == '-' || r == ':' ||
			r == '(' || r == ')' || r == '#' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// parseMarkdown splits a markdown document into heading-delimited sections.
// Content before the first heading becomes a preamble section with an empty
// heading at level 0.
func parseMarkdown(absPath, relPath string, data []byte) *ParsedDoc {
	doc := &ParsedDoc{
		RelativePath: relPath,
		FilePath:     absPath,
		Kind:         docKind(relPath),
		Hash:         ContentHash(data),
	}

	md := goldmark.New()
	root := md.Parser().Parse(text.NewReader(data))

	type headingMark struct {
		line    int
		level   int
		heading string
	}
	var headings []headingMark

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			seg := headingSegment(h)
			line := 1
			if seg.Start >= 0 {
				line = lineOf(data, seg.Start)
			}
			headings = append(headings, headingMark{
				line:    line,
				level:   h.Level,
				heading: string(headingText(h, data)),
			})
		}
		return ast.WalkContinue, nil
	})

	if len(headings) > 0 && doc.Title == "" {
		doc.Title = headings[0].heading
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath))
	}

	lines := strings.Split(string(data), "\n")

	// Section boundaries: [start, nextHeading) in 1-based lines.
	cut := func(startLine, endLine int) string {
		if startLine < 1 {
			startLine = 1
		}
		if endLine > len(lines) {
			endLine = len(lines)
		}
		if startLine > endLine {
			return ""
		}
		return strings.TrimSpace(strings.Join(lines[startLine-1:endLine], "\n"))
	}

	addSection := func(idx int, heading string, level, startLine, endLine int) {
		content := cut(startLine, endLine)
		if heading == "" && content == "" {
			return
		}
		sec := ParsedSection{
			Index:     idx,
			Heading:   heading,
			Level:     level,
			Content:   content,
			StartLine: startLine,
			WordCount: len(strings.Fields(content)),
		}
		sec.BacktickRefs, sec.CodeFences, sec.Links = scanSectionRefs(content)
		doc.Sections = append(doc.Sections, sec)
	}

	idx := 0
	if len(headings) == 0 {
		addSection(idx, "", 0, 1, len(lines))
	} else {
		if headings[0].line > 1 {
			addSection(idx, "", 0, 1, headings[0].line-1)
			idx = len(doc.Sections)
		}
		for i, h := range headings {
			endLine := len(lines)
			if i+1 < len(headings) {
				endLine = headings[i+1].line - 1
			}
			addSection(idx, h.heading, h.level, h.line, endLine)
			idx = len(doc.Sections)
		}
	}

	for _, sec := range doc.Sections {
		doc.WordCount += sec.WordCount
	}
	return doc
}

func headingSegment(h *ast.Heading) text.Segment {
	if h.Lines().Len() > 0 {
		return h.Lines().At(0)
	}
	return text.Segment{Start: -1}
}

func headingText(h *ast.Heading, data []byte) []byte {
	var sb strings.Builder
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(data))
		} else if cs, ok := c.(*ast.CodeSpan); ok {
			for gc := cs.FirstChild(); gc != nil; gc = gc.NextSibling() {
				if t, ok := gc.(*ast.Text); ok {
					sb.Write(t.Segment.Value(data))
				}
			}
		}
	}
	return []byte(strings.TrimSpace(sb.String()))
}

func lineOf(data []byte, offset int) int {
	line := 1
	for i := 0; i < offset && i < len(data); i++ {
		if data[i] == '\n' {
			line++
		}
	}
	return line
}

// scanSectionRefs walks a section's raw text for inline code refs, fenced
// code block languages, and markdown links.
func scanSectionRefs(content string) (refs []string, fences []string, links []string) {
	seen := make(map[string]bool)
	lines := strings.Split(content, "\n")
	inFence := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if !inFence {
				lang := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
				if lang == "" {
					lang = "text"
				}
				fences = append(fences, lang)
			}
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		for _, span := range backtickSpans(line) {
			if looksLikeCodeRef(span) && !seen["r:"+span] {
				seen["r:"+span] = true
				refs = append(refs, span)
			}
		}
		for _, target := range markdownLinks(line) {
			if !seen["l:"+target] {
				seen["l:"+target] = true
				links = append(links, target)
			}
		}
	}
	return refs, fences, links
}

func backtickSpans(line string) []string {
	var spans []string
	for {
		open := strings.IndexByte(line, '`')
		if open < 0 {
			break
		}
		rest := line[open+1:]
		close := strings.IndexByte(rest, '`')
		if close < 0 {
			break
		}
		if span := rest[:close]; span != "" {
			spans = append(spans, span)
		}
		line = rest[close+1:]
	}
	return spans
}

func markdownLinks(line string) []string {
	var links []string
	for {
		idx := strings.Index(line, "](")
		if idx < 0 {
			break
		}
		rest := line[idx+2:]
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			break
		}
		target := strings.TrimSpace(rest[:end])
		if sp := strings.IndexByte(target, ' '); sp >= 0 {
			target = target[:sp]
		}
		if target != "" {
			links = append(links, target)
		}
		line = rest[end+1:]
	}
	return links
}

func docKind(relPath string) string {
	base := strings.ToLower(filepath.Base(relPath))
	lower := strings.ToLower(relPath)
	switch {
	case strings.HasPrefix(base, "readme"):
		return "readme"
	case strings.HasPrefix(base, "changelog"):
		return "changelog"
	case strings.Contains(lower, "adr") || strings.Contains(lower, "decision"):
		return "adr"
	case strings.Contains(lower, "architecture") || strings.Contains(lower, "design"):
		return "architecture"
	case strings.Contains(lower, "guide") || strings.Contains(lower, "tutorial"):
		return "guide"
	default:
		return "other"
	}
}
