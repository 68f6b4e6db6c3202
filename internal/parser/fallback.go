package parser

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
)

// Line-oriented regex extraction for languages without a linked grammar
// (rust, java) and as a safety net when tree-sitter fails on a file.
var (
	rustFnRe     = regexp.MustCompile(`^\s*(pub\s+)?(async\s+)?fn\s+([A-Za-z_][A-Za-z0-9_]*)\s*[(<]`)
	rustStructRe = regexp.MustCompile(`^\s*(pub\s+)?(struct|enum)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	rustTraitRe  = regexp.MustCompile(`^\s*(pub\s+)?trait\s+([A-Za-z_][A-Za-z0-9_]*)`)
	rustUseRe    = regexp.MustCompile(`^\s*(pub\s+)?use\s+([A-Za-z0-9_:{}*,\s]+);`)

	javaMethodRe = regexp.MustCompile(`^\s*(public|protected|private)\s+(static\s+)?[\w<>\[\],\s]+\s+([a-z][A-Za-z0-9_]*)\s*\(`)
	javaClassRe  = regexp.MustCompile(`^\s*(public\s+)?(abstract\s+)?(final\s+)?(class|interface)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	javaImportRe = regexp.MustCompile(`^\s*import\s+(static\s+)?([\w.]+(\.\*)?);`)

	describeRe = regexp.MustCompile(`^\s*describe(?:\.only|\.skip)?\s*\(\s*['"` + "`" + `]([^'"` + "`" + `]+)['"` + "`" + `]`)
)

// extractWithFallback scans line by line. Symbol end lines are unknown to a
// regex pass, so EndLine equals StartLine.
func extractWithFallback(pf *ParsedFile, lang string, code []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(code))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		switch lang {
		case "rust":
			if m := rustFnRe.FindStringSubmatch(line); m != nil {
				pf.Functions = append(pf.Functions, ParsedFunction{
					Name: m[3], Kind: "function", StartLine: lineNo, EndLine: lineNo,
					IsExported: m[1] != "",
				})
			} else if m := rustStructRe.FindStringSubmatch(line); m != nil {
				pf.Classes = append(pf.Classes, ParsedClass{
					Name: m[3], Kind: "class", StartLine: lineNo, EndLine: lineNo,
					IsExported: m[1] != "",
				})
			} else if m := rustTraitRe.FindStringSubmatch(line); m != nil {
				pf.Classes = append(pf.Classes, ParsedClass{
					Name: m[2], Kind: "interface", StartLine: lineNo, EndLine: lineNo,
					IsExported: m[1] != "",
				})
			} else if m := rustUseRe.FindStringSubmatch(line); m != nil {
				pf.Imports = append(pf.Imports, ParsedImport{
					Source: strings.TrimSpace(m[2]), StartLine: lineNo,
				})
			}

		case "java":
			if m := javaClassRe.FindStringSubmatch(line); m != nil {
				kind := "class"
				if m[4] == "interface" {
					kind = "interface"
				}
				pf.Classes = append(pf.Classes, ParsedClass{
					Name: m[5], Kind: kind, StartLine: lineNo, EndLine: lineNo,
					IsExported: m[1] != "",
				})
			} else if m := javaMethodRe.FindStringSubmatch(line); m != nil {
				pf.Functions = append(pf.Functions, ParsedFunction{
					Name: m[3], Kind: "method", StartLine: lineNo, EndLine: lineNo,
					IsExported: strings.HasPrefix(strings.TrimSpace(line), "public"),
				})
			} else if m := javaImportRe.FindStringSubmatch(line); m != nil {
				pf.Imports = append(pf.Imports, ParsedImport{Source: m[2], StartLine: lineNo})
			}
		}
	}
}

// scanDescribeBlocks finds jest/vitest describe blocks. Block extents are
// approximated by brace depth from the describe line.
func scanDescribeBlocks(code []byte) []ParsedTestSuite {
	var suites []ParsedTestSuite
	lines := strings.Split(string(code), "\n")
	for i, line := range lines {
		m := describeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		end := findBlockEnd(lines, i)
		suites = append(suites, ParsedTestSuite{
			Name:      m[1],
			Type:      "jest",
			Category:  categorizeSuiteName(m[1]),
			StartLine: i + 1,
			EndLine:   end + 1,
		})
	}
	return suites
}

func findBlockEnd(lines []string, start int) int {
	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		for _, r := range lines[i] {
			switch r {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return i
		}
	}
	return len(lines) - 1
}

func categorizeSuiteName(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "e2e") || strings.Contains(lower, "end-to-end") || strings.Contains(lower, "end to end"):
		return "e2e"
	case strings.Contains(lower, "integration"):
		return "integration"
	default:
		return "unit"
	}
}
