package graph

import (
	"strings"

	"github.com/codegraph-dev/codegraph/internal/parser"
)

// sectionContentLimit bounds SECTION.content in the store.
const sectionContentLimit = 4000

// SymbolLookup resolves a bare symbol name to the node ids carrying it,
// used to anchor DOC_DESCRIBES edges. Implemented by the in-memory index.
type SymbolLookup interface {
	FilesByRelPathSuffix(ref string) []string
	SymbolIDsByName(name string) []string
}

// BuildDoc emits the DOCUMENT node, its SECTION chain, and DOC_DESCRIBES
// edges for backtick references that resolve to known files or symbols.
func (b *Builder) BuildDoc(doc *parser.ParsedDoc, lookup SymbolLookup) []Statement {
	var stmts []Statement
	projectID := b.ctx.ProjectID

	docID := DocID(projectID, doc.RelativePath)
	if b.once(docID) {
		stmts = append(stmts, upsertNode(LabelDocument, docID, b.ctx.stamp(map[string]any{
			"id":           docID,
			"relativePath": doc.RelativePath,
			"filePath":     doc.FilePath,
			"title":        doc.Title,
			"kind":         doc.Kind,
			"wordCount":    doc.WordCount,
			"hash":         doc.Hash,
		})))
	}

	prevSectionID := ""
	for _, sec := range doc.Sections {
		secID := SectionID(projectID, doc.RelativePath, sec.Index)
		if !b.once(secID) {
			continue
		}
		content := sec.Content
		if len(content) > sectionContentLimit {
			content = content[:sectionContentLimit]
		}
		stmts = append(stmts, upsertNode(LabelSection, secID, b.ctx.stamp(map[string]any{
			"id":           secID,
			"heading":      sec.Heading,
			"level":        sec.Level,
			"content":      content,
			"wordCount":    sec.WordCount,
			"startLine":    sec.StartLine,
			"sectionIndex": sec.Index,
			"docId":        docID,
			"relativePath": doc.RelativePath,
		})))
		stmts = append(stmts, mergeEdge(LabelSection, secID, RelSectionOf, LabelDocument, docID))

		if prevSectionID != "" {
			stmts = append(stmts, mergeEdge(LabelSection, prevSectionID, RelNextSection, LabelSection, secID))
		}
		prevSectionID = secID

		if lookup != nil {
			stmts = append(stmts, b.describeEdges(secID, sec.BacktickRefs, lookup)...)
		}
	}

	return stmts
}

// describeEdges links a section to the code entities its backtick refs
// name: exact or slash-suffix match on FILE.relativePath, exact name
// match on FUNCTION and CLASS.
func (b *Builder) describeEdges(secID string, refs []string, lookup SymbolLookup) []Statement {
	var stmts []Statement
	linked := make(map[string]bool)

	addEdge := func(targetLabel, targetID, matchedName string) {
		if linked[targetID] {
			return
		}
		linked[targetID] = true
		stmts = append(stmts, mergeEdgeWithProps(
			LabelSection, secID, RelDocDescribes, targetLabel, targetID,
			map[string]any{"strength": 1.0, "matchedName": matchedName}))
	}

	for _, ref := range refs {
		if strings.Contains(ref, "/") || strings.Contains(ref, ".") {
			for _, fileID := range lookup.FilesByRelPathSuffix(ref) {
				addEdge(LabelFile, fileID, ref)
			}
			continue
		}
		name := strings.TrimSuffix(ref, "()")
		for _, symID := range lookup.SymbolIDsByName(name) {
			label := LabelFunction
			if strings.Contains(symID, ":class:") {
				label = LabelClass
			}
			addEdge(label, symID, name)
		}
	}
	return stmts
}
