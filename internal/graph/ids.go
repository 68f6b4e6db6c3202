package graph

import (
	"fmt"
	"path"
	"strings"
)

// Node ids follow "<projectId>:<kind>:<localKey>". The local key embeds
// the relative path and, for symbols, the name and ordinal, so ids stay
// stable across rebuilds for unchanged content.

func normalizeRel(relPath string) string {
	return strings.TrimPrefix(path.Clean(strings.ReplaceAll(relPath, "\\", "/")), "./")
}

// FileID identifies a FILE node.
func FileID(projectID, relPath string) string {
	return fmt.Sprintf("%s:file:%s", projectID, normalizeRel(relPath))
}

// FolderID identifies a FOLDER node. Root folder is "."
func FolderID(projectID, relPath string) string {
	rel := normalizeRel(relPath)
	if rel == "" {
		rel = "."
	}
	return fmt.Sprintf("%s:folder:%s", projectID, rel)
}

// FunctionID identifies a FUNCTION by file, name, and ordinal (position
// among same-named functions in the file).
func FunctionID(projectID, relPath, name string, ordinal int) string {
	return fmt.Sprintf("%s:function:%s:%s:%d", projectID, normalizeRel(relPath), name, ordinal)
}

// ClassID identifies a CLASS or interface.
func ClassID(projectID, relPath, name string, ordinal int) string {
	return fmt.Sprintf("%s:class:%s:%s:%d", projectID, normalizeRel(relPath), name, ordinal)
}

// ClassIDByName synthesizes a class id from a bare name, used for
// EXTENDS/IMPLEMENTS targets whose defining file is unknown at build time.
func ClassIDByName(projectID, name string) string {
	return fmt.Sprintf("%s:class:%s", projectID, name)
}

// ImportID identifies an IMPORT by file and ordinal.
func ImportID(projectID, relPath string, ordinal int) string {
	return fmt.Sprintf("%s:import:%s:%d", projectID, normalizeRel(relPath), ordinal)
}

// ExportID identifies an EXPORT by file and ordinal.
func ExportID(projectID, relPath string, ordinal int) string {
	return fmt.Sprintf("%s:export:%s:%d", projectID, normalizeRel(relPath), ordinal)
}

// TestSuiteID identifies a TEST_SUITE by file and ordinal.
func TestSuiteID(projectID, relPath string, ordinal int) string {
	return fmt.Sprintf("%s:testsuite:%s:%d", projectID, normalizeRel(relPath), ordinal)
}

// DocID identifies a DOCUMENT.
func DocID(projectID, relPath string) string {
	return fmt.Sprintf("%s:doc:%s", projectID, normalizeRel(relPath))
}

// SectionID identifies a SECTION by document and index.
func SectionID(projectID, relPath string, index int) string {
	return fmt.Sprintf("%s:sec:%s:%d", projectID, normalizeRel(relPath), index)
}

// FeatureID identifies a FEATURE by name.
func FeatureID(projectID, name string) string {
	return fmt.Sprintf("%s:feature:%s", projectID, name)
}
