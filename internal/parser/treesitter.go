package parser

import (
	"fmt"
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// hasASTBackend reports whether a tree-sitter grammar is linked for lang.
func hasASTBackend(lang string) bool {
	switch lang {
	case "typescript", "tsx", "javascript", "jsx", "python", "go":
		return true
	}
	return false
}

func grammarFor(lang string) *sitter.Language {
	switch lang {
	case "typescript":
		return sitter.NewLanguage(tree_sitter_typescript.LanguageTypescript())
	case "tsx":
		return sitter.NewLanguage(tree_sitter_typescript.LanguageTSX())
	case "javascript", "jsx":
		return sitter.NewLanguage(tree_sitter_javascript.Language())
	case "python":
		return sitter.NewLanguage(tree_sitter_python.Language())
	case "go":
		return sitter.NewLanguage(tree_sitter_go.Language())
	}
	return nil
}

// extractWithTreeSitter populates pf's symbol slices from the AST.
// Always releases parser and tree resources (CGO requirement).
func extractWithTreeSitter(pf *ParsedFile, lang string, code []byte) error {
	language := grammarFor(lang)
	if language == nil {
		return fmt.Errorf("no grammar for language %s", lang)
	}

	p := sitter.NewParser()
	if p == nil {
		return fmt.Errorf("failed to create tree-sitter parser")
	}
	defer p.Close()

	if err := p.SetLanguage(language); err != nil {
		return fmt.Errorf("failed to set language %s: %w", lang, err)
	}

	tree := p.Parse(code, nil)
	if tree == nil {
		return fmt.Errorf("parse returned no tree")
	}
	defer tree.Close()

	switch lang {
	case "typescript", "tsx", "javascript", "jsx":
		walkECMAScript(pf, tree.RootNode(), code, false)
	case "python":
		walkPython(pf, tree.RootNode(), code)
	case "go":
		walkGo(pf, tree.RootNode(), code)
	}
	return nil
}

// nodeText extracts text from a node using byte offsets
func nodeText(node *sitter.Node, code []byte) string {
	if node == nil {
		return ""
	}
	start := node.StartByte()
	end := node.EndByte()
	if int(end) > len(code) {
		end = uint(len(code))
	}
	return string(code[start:end])
}

func nodeLines(node *sitter.Node) (int, int) {
	return int(node.StartPosition().Row) + 1, int(node.EndPosition().Row) + 1
}

// splitParams turns "(a: T, b = 1)" into ["a: T", "b = 1"]. Nested
// parentheses and generics keep their commas.
func splitParams(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "(")
	raw = strings.TrimSuffix(raw, ")")
	if raw == "" {
		return nil
	}
	var params []string
	depth := 0
	start := 0
	for i, r := range raw {
		switch r {
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}', '>':
			depth--
		case ',':
			if depth == 0 {
				params = append(params, strings.TrimSpace(raw[start:i]))
				start = i + 1
			}
		}
	}
	if p := strings.TrimSpace(raw[start:]); p != "" {
		params = append(params, p)
	}
	return params
}

// --- ECMAScript family (typescript, tsx, javascript, jsx) ---

func walkECMAScript(pf *ParsedFile, node *sitter.Node, code []byte, inExport bool) {
	if node == nil {
		return
	}

	switch node.Kind() {
	case "export_statement":
		recordESExport(pf, node, code)
		for i := uint(0); i < node.ChildCount(); i++ {
			walkECMAScript(pf, node.Child(i), code, true)
		}
		return

	case "function_declaration", "generator_function_declaration":
		name := nodeText(node.ChildByFieldName("name"), code)
		if name != "" {
			start, end := nodeLines(node)
			pf.Functions = append(pf.Functions, ParsedFunction{
				Name: name, Kind: "function", StartLine: start, EndLine: end,
				Parameters: splitParams(nodeText(node.ChildByFieldName("parameters"), code)),
				IsExported: inExport,
			})
		}

	case "arrow_function", "function_expression":
		if name := enclosingBindingName(node, code); name != "" {
			start, end := nodeLines(node)
			pf.Functions = append(pf.Functions, ParsedFunction{
				Name: name, Kind: "arrow", StartLine: start, EndLine: end,
				Parameters: splitParams(nodeText(node.ChildByFieldName("parameters"), code)),
				IsExported: inExport,
			})
		}

	case "method_definition":
		name := nodeText(node.ChildByFieldName("name"), code)
		if name != "" && name != "constructor" {
			start, end := nodeLines(node)
			pf.Functions = append(pf.Functions, ParsedFunction{
				Name: name, Kind: "method", StartLine: start, EndLine: end,
				Parameters: splitParams(nodeText(node.ChildByFieldName("parameters"), code)),
				IsExported: inExport,
			})
		}

	case "class_declaration":
		recordESClass(pf, node, code, "class", inExport)

	case "interface_declaration":
		recordESClass(pf, node, code, "interface", inExport)

	case "import_statement":
		recordESImport(pf, node, code)
		return
	}

	for i := uint(0); i < node.ChildCount(); i++ {
		walkECMAScript(pf, node.Child(i), code, inExport)
	}
}

// enclosingBindingName names an anonymous function by the variable or
// property it is assigned to.
func enclosingBindingName(node *sitter.Node, code []byte) string {
	parent := node.Parent()
	if parent == nil {
		return ""
	}
	switch parent.Kind() {
	case "variable_declarator":
		return nodeText(parent.ChildByFieldName("name"), code)
	case "assignment_expression":
		return nodeText(parent.ChildByFieldName("left"), code)
	case "pair":
		return nodeText(parent.ChildByFieldName("key"), code)
	}
	return ""
}

func recordESClass(pf *ParsedFile, node *sitter.Node, code []byte, kind string, inExport bool) {
	name := nodeText(node.ChildByFieldName("name"), code)
	if name == "" {
		return
	}
	start, end := nodeLines(node)
	cls := ParsedClass{Name: name, Kind: kind, StartLine: start, EndLine: end, IsExported: inExport}

	// class_heritage carries "extends A implements B, C"
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		k := child.Kind()
		if k != "class_heritage" && k != "extends_type_clause" && k != "extends_clause" {
			continue
		}
		heritage := nodeText(child, code)
		cls.Extends, cls.Implements = parseHeritage(heritage)
	}

	pf.Classes = append(pf.Classes, cls)
}

// parseHeritage splits "extends A<T> implements B, C" into parents and
// interfaces, generic arguments stripped.
func parseHeritage(heritage string) (extends, implements []string) {
	heritage = strings.TrimSpace(heritage)
	implPart := ""
	if idx := strings.Index(heritage, "implements"); idx >= 0 {
		implPart = heritage[idx+len("implements"):]
		heritage = heritage[:idx]
	}
	if idx := strings.Index(heritage, "extends"); idx >= 0 {
		for _, name := range strings.Split(heritage[idx+len("extends"):], ",") {
			if n := StripGenerics(name); n != "" {
				extends = append(extends, n)
			}
		}
	}
	for _, name := range strings.Split(implPart, ",") {
		if n := StripGenerics(name); n != "" {
			implements = append(implements, n)
		}
	}
	return extends, implements
}

// StripGenerics removes a trailing type-argument list and whitespace, so
// "Base<T, U>" becomes "Base". Parent class ids are synthesized from this.
func StripGenerics(name string) string {
	name = strings.TrimSpace(name)
	if idx := strings.Index(name, "<"); idx >= 0 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}

func recordESImport(pf *ParsedFile, node *sitter.Node, code []byte) {
	sourceNode := node.ChildByFieldName("source")
	if sourceNode == nil {
		return
	}
	start, _ := nodeLines(node)
	imp := ParsedImport{
		Source:    strings.Trim(nodeText(sourceNode, code), "\"'`"),
		StartLine: start,
	}

	// import clause: default binding, namespace, and named specifiers
	var collect func(*sitter.Node)
	collect = func(n *sitter.Node) {
		if n == nil {
			return
		}
		switch n.Kind() {
		case "identifier":
			imp.Specifiers = append(imp.Specifiers, nodeText(n, code))
			return
		case "import_specifier":
			imp.Specifiers = append(imp.Specifiers, strings.TrimSpace(strings.SplitN(nodeText(n, code), " as ", 2)[0]))
			return
		case "namespace_import":
			imp.Specifiers = append(imp.Specifiers, strings.TrimSpace(nodeText(n, code)))
			return
		case "string":
			return
		}
		for i := uint(0); i < n.ChildCount(); i++ {
			collect(n.Child(i))
		}
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		if node.Child(i).Kind() == "import_clause" {
			collect(node.Child(i))
		}
	}

	pf.Imports = append(pf.Imports, imp)
}

func recordESExport(pf *ParsedFile, node *sitter.Node, code []byte) {
	start, _ := nodeLines(node)
	text := nodeText(node, code)
	isDefault := strings.HasPrefix(text, "export default")

	// Prefer the declared name; fall back to the clause text.
	name := ""
	if decl := node.ChildByFieldName("declaration"); decl != nil {
		name = nodeText(decl.ChildByFieldName("name"), code)
	}
	if name == "" && isDefault {
		name = "default"
	}
	if name == "" {
		// export { a, b } — record each named binding
		for i := uint(0); i < node.ChildCount(); i++ {
			child := node.Child(i)
			if child.Kind() != "export_clause" {
				continue
			}
			for j := uint(0); j < child.ChildCount(); j++ {
				spec := child.Child(j)
				if spec.Kind() == "export_specifier" {
					pf.Exports = append(pf.Exports, ParsedExport{
						Name:      strings.SplitN(nodeText(spec, code), " as ", 2)[0],
						StartLine: start,
					})
				}
			}
		}
		return
	}

	pf.Exports = append(pf.Exports, ParsedExport{Name: name, IsDefault: isDefault, StartLine: start})
}

// --- Python ---

func walkPython(pf *ParsedFile, node *sitter.Node, code []byte) {
	if node == nil {
		return
	}

	switch node.Kind() {
	case "function_definition":
		name := nodeText(node.ChildByFieldName("name"), code)
		if name != "" {
			start, end := nodeLines(node)
			kind := "function"
			if insideClass(node) {
				kind = "method"
			}
			pf.Functions = append(pf.Functions, ParsedFunction{
				Name: name, Kind: kind, StartLine: start, EndLine: end,
				Parameters: splitParams(nodeText(node.ChildByFieldName("parameters"), code)),
				IsExported: !strings.HasPrefix(name, "_"),
			})
		}

	case "class_definition":
		name := nodeText(node.ChildByFieldName("name"), code)
		if name != "" {
			start, end := nodeLines(node)
			cls := ParsedClass{
				Name: name, Kind: "class", StartLine: start, EndLine: end,
				IsExported: !strings.HasPrefix(name, "_"),
			}
			if supers := node.ChildByFieldName("superclasses"); supers != nil {
				for _, parent := range splitParams(nodeText(supers, code)) {
					cls.Extends = append(cls.Extends, StripGenerics(parent))
				}
			}
			pf.Classes = append(pf.Classes, cls)
		}

	case "import_statement", "import_from_statement":
		start, _ := nodeLines(node)
		imp := pythonImport(nodeText(node, code))
		imp.StartLine = start
		pf.Imports = append(pf.Imports, imp)
		return
	}

	for i := uint(0); i < node.ChildCount(); i++ {
		walkPython(pf, node.Child(i), code)
	}
}

func insideClass(node *sitter.Node) bool {
	for cur := node.Parent(); cur != nil; cur = cur.Parent() {
		switch cur.Kind() {
		case "class_definition", "class_declaration", "class_body":
			return true
		case "function_definition", "function_declaration":
			return false
		}
	}
	return false
}

// pythonImport normalizes "from a.b import c, d" and "import a.b as x".
func pythonImport(text string) ParsedImport {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "from ") {
		rest := strings.TrimPrefix(text, "from ")
		parts := strings.SplitN(rest, " import ", 2)
		imp := ParsedImport{Source: strings.TrimSpace(parts[0])}
		if len(parts) == 2 {
			for _, spec := range strings.Split(parts[1], ",") {
				spec = strings.TrimSpace(strings.SplitN(spec, " as ", 2)[0])
				if spec != "" {
					imp.Specifiers = append(imp.Specifiers, spec)
				}
			}
		}
		return imp
	}
	rest := strings.TrimPrefix(text, "import ")
	source := strings.TrimSpace(strings.SplitN(rest, " as ", 2)[0])
	return ParsedImport{Source: source}
}

// --- Go ---

func walkGo(pf *ParsedFile, node *sitter.Node, code []byte) {
	if node == nil {
		return
	}

	switch node.Kind() {
	case "function_declaration", "method_declaration":
		name := nodeText(node.ChildByFieldName("name"), code)
		if name != "" {
			start, end := nodeLines(node)
			kind := "function"
			if node.Kind() == "method_declaration" {
				kind = "method"
			}
			pf.Functions = append(pf.Functions, ParsedFunction{
				Name: name, Kind: kind, StartLine: start, EndLine: end,
				Parameters: splitParams(nodeText(node.ChildByFieldName("parameters"), code)),
				IsExported: isGoExported(name),
			})
		}

	case "type_declaration":
		for i := uint(0); i < node.ChildCount(); i++ {
			spec := node.Child(i)
			if spec.Kind() != "type_spec" {
				continue
			}
			name := nodeText(spec.ChildByFieldName("name"), code)
			if name == "" {
				continue
			}
			start, end := nodeLines(node)
			kind := "class"
			if typeNode := spec.ChildByFieldName("type"); typeNode != nil && typeNode.Kind() == "interface_type" {
				kind = "interface"
			}
			pf.Classes = append(pf.Classes, ParsedClass{
				Name: name, Kind: kind, StartLine: start, EndLine: end,
				IsExported: isGoExported(name),
			})
		}

	case "import_declaration":
		for i := uint(0); i < node.ChildCount(); i++ {
			collectGoImportSpecs(pf, node.Child(i), code)
		}
		return
	}

	for i := uint(0); i < node.ChildCount(); i++ {
		walkGo(pf, node.Child(i), code)
	}
}

func collectGoImportSpecs(pf *ParsedFile, node *sitter.Node, code []byte) {
	if node == nil {
		return
	}
	if node.Kind() == "import_spec" {
		start, _ := nodeLines(node)
		pf.Imports = append(pf.Imports, ParsedImport{
			Source:    strings.Trim(nodeText(node.ChildByFieldName("path"), code), "\""),
			StartLine: start,
		})
		return
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		collectGoImportSpecs(pf, node.Child(i), code)
	}
}

func isGoExported(name string) bool {
	if name == "" {
		return false
	}
	first := name[0]
	return first >= 'A' && first <= 'Z'
}
