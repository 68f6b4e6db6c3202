package graph

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/codegraph-dev/codegraph/internal/parser"
)

// FileExists reports whether a workspace-relative path was discovered in
// the current build. The builder uses it to resolve relative imports.
type FileExists func(relPath string) bool

// Builder turns parsed files into idempotent store statements. It holds
// no connection; executing the output is the client's job.
type Builder struct {
	ctx  BuildContext
	seen map[string]bool
}

// NewBuilder creates a builder for one build transaction.
func NewBuilder(ctx BuildContext) *Builder {
	return &Builder{ctx: ctx, seen: make(map[string]bool)}
}

// Context returns the build transaction context.
func (b *Builder) Context() BuildContext { return b.ctx }

func upsertNode(label, id string, props map[string]any) Statement {
	return Statement{
		Query:  fmt.Sprintf("MERGE (n:%s {id: $id}) SET n += $props", label),
		Params: map[string]any{"id": id, "props": props},
	}
}

func mergeEdge(fromLabel, fromID, relType, toLabel, toID string) Statement {
	return Statement{
		Query: fmt.Sprintf(
			"MATCH (a:%s {id: $fromId}) MATCH (b:%s {id: $toId}) MERGE (a)-[:%s]->(b)",
			fromLabel, toLabel, relType),
		Params: map[string]any{"fromId": fromID, "toId": toID},
	}
}

func mergeEdgeWithProps(fromLabel, fromID, relType, toLabel, toID string, props map[string]any) Statement {
	return Statement{
		Query: fmt.Sprintf(
			"MATCH (a:%s {id: $fromId}) MATCH (b:%s {id: $toId}) MERGE (a)-[r:%s]->(b) SET r += $props",
			fromLabel, toLabel, relType),
		Params: map[string]any{"fromId": fromID, "toId": toID, "props": props},
	}
}

// once guards per-file duplicate ids. Global dedup is the store's MERGE.
func (b *Builder) once(id string) bool {
	if b.seen[id] {
		return false
	}
	b.seen[id] = true
	return true
}

// BuildFile emits the statement list for one parsed source file: the FILE
// node, its FOLDER ancestors, and every contained symbol with its edges.
// Node upserts always precede the edges that reference them.
func (b *Builder) BuildFile(pf *parser.ParsedFile, exists FileExists) []Statement {
	var stmts []Statement
	projectID := b.ctx.ProjectID
	rel := pf.RelativePath

	fileID := FileID(projectID, rel)
	if b.once(fileID) {
		stmts = append(stmts, upsertNode(LabelFile, fileID, b.ctx.stamp(map[string]any{
			"id":           fileID,
			"path":         pf.FilePath,
			"relativePath": rel,
			"language":     pf.Language,
			"loc":          pf.LOC,
			"hash":         pf.Hash,
			"summary":      "",
			"name":         path.Base(rel),
		})))
	}

	stmts = append(stmts, b.folderAncestors(rel, fileID)...)

	// The ordinal disambiguates same-named symbols within one file.
	fnOrdinals := make(map[string]int)
	for _, fn := range pf.Functions {
		ord := fnOrdinals[fn.Name]
		fnOrdinals[fn.Name]++
		fnID := FunctionID(projectID, rel, fn.Name, ord)
		if !b.once(fnID) {
			continue
		}
		stmts = append(stmts, upsertNode(LabelFunction, fnID, b.ctx.stamp(map[string]any{
			"id":         fnID,
			"name":       fn.Name,
			"kind":       fn.Kind,
			"startLine":  fn.StartLine,
			"endLine":    fn.EndLine,
			"loc":        fn.LOC(),
			"parameters": strings.Join(fn.Parameters, ", "),
			"isExported": fn.IsExported,
			"filePath":   rel,
			"summary":    "",
		})))
		stmts = append(stmts, mergeEdge(LabelFile, fileID, RelContains, LabelFunction, fnID))
	}

	clsOrdinals := make(map[string]int)
	for _, cls := range pf.Classes {
		ord := clsOrdinals[cls.Name]
		clsOrdinals[cls.Name]++
		clsID := ClassID(projectID, rel, cls.Name, ord)
		if !b.once(clsID) {
			continue
		}
		stmts = append(stmts, upsertNode(LabelClass, clsID, b.ctx.stamp(map[string]any{
			"id":         clsID,
			"name":       cls.Name,
			"kind":       cls.Kind,
			"startLine":  cls.StartLine,
			"endLine":    cls.EndLine,
			"loc":        cls.LOC(),
			"isExported": cls.IsExported,
			"filePath":   rel,
			"summary":    "",
		})))
		stmts = append(stmts, mergeEdge(LabelFile, fileID, RelContains, LabelClass, clsID))

		for _, parent := range cls.Extends {
			stmts = append(stmts, b.classRefEdge(clsID, RelExtends, parent)...)
		}
		for _, iface := range cls.Implements {
			stmts = append(stmts, b.classRefEdge(clsID, RelImplements, iface)...)
		}
	}

	for i, imp := range pf.Imports {
		impID := ImportID(projectID, rel, i)
		if !b.once(impID) {
			continue
		}
		stmts = append(stmts, upsertNode(LabelImport, impID, b.ctx.stamp(map[string]any{
			"id":         impID,
			"source":     imp.Source,
			"specifiers": strings.Join(imp.Specifiers, ", "),
			"startLine":  imp.StartLine,
			"filePath":   rel,
			"summary":    "",
		})))
		stmts = append(stmts, mergeEdge(LabelFile, fileID, RelImports, LabelImport, impID))

		if target := ResolveRelativeImport(rel, imp.Source, exists); target != "" {
			stmts = append(stmts, mergeEdge(
				LabelImport, impID, RelReferences, LabelFile, FileID(projectID, target)))
		}
	}

	for i, exp := range pf.Exports {
		expID := ExportID(projectID, rel, i)
		if !b.once(expID) {
			continue
		}
		stmts = append(stmts, upsertNode(LabelExport, expID, map[string]any{
			"id":        expID,
			"name":      exp.Name,
			"isDefault": exp.IsDefault,
			"startLine": exp.StartLine,
			"filePath":  rel,
			"projectId": projectID,
		}))
		stmts = append(stmts, mergeEdge(LabelFile, fileID, RelExports, LabelExport, expID))
	}

	for i, suite := range pf.TestSuites {
		tsID := TestSuiteID(projectID, rel, i)
		if !b.once(tsID) {
			continue
		}
		stmts = append(stmts, upsertNode(LabelTestSuite, tsID, map[string]any{
			"id":        tsID,
			"name":      suite.Name,
			"type":      suite.Type,
			"category":  suite.Category,
			"startLine": suite.StartLine,
			"endLine":   suite.EndLine,
			"filePath":  rel,
			"projectId": projectID,
		}))
		stmts = append(stmts, mergeEdge(LabelFile, fileID, RelContains, LabelTestSuite, tsID))
	}

	return stmts
}

// classRefEdge upserts a placeholder CLASS for an inheritance target and
// links to it. The placeholder id is name-keyed since the defining file
// is unknown at this point.
func (b *Builder) classRefEdge(fromID, relType, parentName string) []Statement {
	name := parser.StripGenerics(parentName)
	if name == "" {
		return nil
	}
	targetID := ClassIDByName(b.ctx.ProjectID, name)
	var stmts []Statement
	if b.once(targetID) {
		stmts = append(stmts, Statement{
			Query: "MERGE (n:CLASS {id: $id}) ON CREATE SET n += $props",
			Params: map[string]any{
				"id": targetID,
				"props": map[string]any{
					"id":        targetID,
					"name":      name,
					"kind":      "class",
					"projectId": b.ctx.ProjectID,
				},
			},
		})
	}
	stmts = append(stmts, mergeEdge(LabelClass, fromID, relType, LabelClass, targetID))
	return stmts
}

// folderAncestors walks from the file's directory to the workspace root,
// emitting each FOLDER and the CONTAINS chain down to the file.
func (b *Builder) folderAncestors(relPath, fileID string) []Statement {
	var stmts []Statement
	projectID := b.ctx.ProjectID

	dir := path.Dir(strings.ReplaceAll(relPath, "\\", "/"))
	parentOfFile := FolderID(projectID, dir)

	// Chain is root-first so node upserts precede their edges.
	chain := []string{"."}
	if dir != "." && dir != "/" {
		cur := ""
		for _, seg := range strings.Split(dir, "/") {
			if seg == "" || seg == "." {
				continue
			}
			if cur == "" {
				cur = seg
			} else {
				cur = cur + "/" + seg
			}
			chain = append(chain, cur)
		}
	}

	prev := ""
	for _, d := range chain {
		folderID := FolderID(projectID, d)
		if b.once(folderID) {
			name := path.Base(d)
			if d == "." {
				name = "."
			}
			stmts = append(stmts, upsertNode(LabelFolder, folderID, map[string]any{
				"id":        folderID,
				"path":      d,
				"name":      name,
				"projectId": projectID,
			}))
		}
		if prev != "" && prev != folderID {
			stmts = append(stmts, mergeEdge(LabelFolder, prev, RelContains, LabelFolder, folderID))
		}
		prev = folderID
	}

	stmts = append(stmts, mergeEdge(LabelFolder, parentOfFile, RelContains, LabelFile, fileID))
	return stmts
}

// ResolveRelativeImport maps an import source like "./util" from
// importingFile to a workspace-relative path by probing the standard
// candidate suffixes. Returns "" for bare module specifiers or misses.
func ResolveRelativeImport(importingFile, source string, exists FileExists) string {
	if exists == nil || (!strings.HasPrefix(source, "./") && !strings.HasPrefix(source, "../")) {
		return ""
	}
	base := path.Join(path.Dir(importingFile), source)
	candidates := []string{
		base + ".ts",
		base + ".tsx",
		path.Join(base, "index.ts"),
		path.Join(base, "index.tsx"),
		base + ".js",
		base + ".jsx",
		base + ".mjs",
		base,
	}
	for _, c := range candidates {
		c = strings.TrimPrefix(path.Clean(c), "./")
		if exists(c) {
			return c
		}
	}
	return ""
}

// BuildGraphTx emits the transaction record for a build.
func (b *Builder) BuildGraphTx(mode, sourceDir string) Statement {
	return upsertNode(LabelGraphTx, b.ctx.TxID, map[string]any{
		"id":        b.ctx.TxID,
		"projectId": b.ctx.ProjectID,
		"type":      "build",
		"timestamp": b.ctx.ValidFrom(),
		"mode":      mode,
		"sourceDir": sourceDir,
	})
}

// BuildFeatureSeed emits an ON CREATE upsert for a declared feature:
// re-running a build never resets a feature's tracked status.
func (b *Builder) BuildFeatureSeed(name, status, priority string) Statement {
	id := FeatureID(b.ctx.ProjectID, name)
	return Statement{
		Query: "MERGE (n:FEATURE {id: $id}) ON CREATE SET n += $props",
		Params: map[string]any{
			"id": id,
			"props": map[string]any{
				"id":        id,
				"name":      name,
				"status":    status,
				"priority":  priority,
				"projectId": b.ctx.ProjectID,
				"createdAt": b.ctx.TxTimestamp.UTC().Format(time.RFC3339),
			},
		},
	}
}

// BuildTestEdges resolves each test file's imports against the parsed
// set and links its suites to the files under test.
func (b *Builder) BuildTestEdges(files map[string]*parser.ParsedFile, exists FileExists) []Statement {
	var stmts []Statement
	for rel, pf := range files {
		if len(pf.TestSuites) == 0 {
			continue
		}
		for _, imp := range pf.Imports {
			target := ResolveRelativeImport(rel, imp.Source, exists)
			if target == "" || target == rel {
				continue
			}
			for i := range pf.TestSuites {
				stmts = append(stmts, mergeEdge(
					LabelTestSuite, TestSuiteID(b.ctx.ProjectID, rel, i),
					RelTests,
					LabelFile, FileID(b.ctx.ProjectID, target)))
			}
		}
	}
	return stmts
}

// Tombstone marks every live node of a project not written by txId as
// ended at the build timestamp. Used by full rebuilds.
func Tombstone(ctx BuildContext) Statement {
	return Statement{
		Query: "MATCH (n) WHERE n.projectId = $projectId AND n.txId IS NOT NULL " +
			"AND n.txId <> $txId AND n.validTo IS NULL SET n.validTo = $ts",
		Params: map[string]any{
			"projectId": ctx.ProjectID,
			"txId":      ctx.TxID,
			"ts":        ctx.ValidFrom(),
		},
	}
}
