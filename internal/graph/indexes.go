package graph

import (
	"context"
	"fmt"
)

// Named fulltext indexes backing native BM25 search.
const (
	SymbolIndexName = "symbol_index"
	DocsIndexName   = "docs_index"
)

var fulltextIndexDefs = map[string]string{
	SymbolIndexName: "CREATE FULLTEXT INDEX symbol_index IF NOT EXISTS " +
		"FOR (n:FUNCTION|CLASS|FILE|SECTION) " +
		"ON EACH [n.name, n.summary, n.path, n.heading, n.content]",
	DocsIndexName: "CREATE FULLTEXT INDEX docs_index IF NOT EXISTS " +
		"FOR (n:SECTION) ON EACH [n.heading, n.content]",
}

// EnsureResult reports what EnsureBM25Indexes did.
type EnsureResult struct {
	Created       []string
	AlreadyExists []string
	Err           error
}

// EnsureBM25Indexes provisions the fulltext indexes if missing. Creation
// is idempotent; a failure degrades retrieval to the lexical fallback
// and never fails the calling build.
func (c *Client) EnsureBM25Indexes(ctx context.Context) EnsureResult {
	var res EnsureResult

	existing := make(map[string]bool)
	showRes := c.ExecuteQuery(ctx, "SHOW INDEXES YIELD name RETURN name", nil)
	if showRes.Err != nil {
		res.Err = fmt.Errorf("list indexes: %w", showRes.Err)
		return res
	}
	for _, row := range showRes.Rows {
		if name, ok := row["name"].(string); ok {
			existing[name] = true
		}
	}

	for _, name := range []string{SymbolIndexName, DocsIndexName} {
		if existing[name] {
			res.AlreadyExists = append(res.AlreadyExists, name)
			continue
		}
		if qr := c.ExecuteQuery(ctx, fulltextIndexDefs[name], nil); qr.Err != nil {
			res.Err = fmt.Errorf("create index %s: %w", name, qr.Err)
			return res
		}
		res.Created = append(res.Created, name)
	}

	c.mu.Lock()
	c.bm25IndexKnownToExist = true
	c.mu.Unlock()
	return res
}

// BM25IndexKnownToExist reports whether provisioning succeeded at least
// once. Knowing the index exists is weaker than having served a query
// from it; the retriever tracks the latter separately.
func (c *Client) BM25IndexKnownToExist() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bm25IndexKnownToExist
}

// FulltextSearch queries a named fulltext index scoped to a project.
func (c *Client) FulltextSearch(ctx context.Context, indexName, query, projectID string, limit int) QueryResult {
	return c.ExecuteQuery(ctx,
		"CALL db.index.fulltext.queryNodes($indexName, $query) YIELD node, score "+
			"WHERE node.projectId = $projectId "+
			"RETURN node, score ORDER BY score DESC LIMIT $limit",
		map[string]any{
			"indexName": indexName,
			"query":     query,
			"projectId": projectID,
			"limit":     limit,
		})
}
