// Package vector keeps symbol embeddings in a local sqlite-vec database
// and serves cosine-similarity search for the retriever.
package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codegraph-dev/codegraph/internal/logging"
	"github.com/codegraph-dev/codegraph/internal/retriever"
)

// Collection names mirror the graph node kinds they embed.
const (
	CollectionFunctions = "functions"
	CollectionClasses   = "classes"
	CollectionFiles     = "files"
	CollectionSections  = "sections"
)

var collections = []string{CollectionFunctions, CollectionClasses, CollectionFiles, CollectionSections}

// Embedder turns text into a vector. Implemented by the OpenAI client;
// nil disables the vector subsystem.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Store is the sqlite-vec backed point store. Point id equals the graph
// node id, so search results join directly against the graph.
type Store struct {
	mu       sync.RWMutex
	db       *sql.DB
	path     string
	embedder Embedder
}

// Open creates or opens the database at path and provisions one table
// per collection.
func Open(path string, embedder Embedder) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create vector dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify vector db: %w", err)
	}

	for _, col := range collections {
		_, err := db.Exec(fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS vec_%s (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				embedding BLOB NOT NULL,
				text_content TEXT NOT NULL DEFAULT ''
			)`, col))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("provision collection %s: %w", col, err)
		}
		if _, err := db.Exec(fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_vec_%s_project ON vec_%s (project_id)", col, col)); err != nil {
			db.Close()
			return nil, fmt.Errorf("index collection %s: %w", col, err)
		}
	}

	logging.Info("vector store opened", "path", path)
	return &Store{db: db, path: path, embedder: embedder}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Upsert embeds text and stores the point under the node id.
func (s *Store) Upsert(ctx context.Context, collection, nodeID, projectID, text string) error {
	if s.embedder == nil {
		return fmt.Errorf("no embedder configured")
	}
	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %s: %w", nodeID, err)
	}
	return s.UpsertEmbedding(collection, nodeID, projectID, text, embedding)
}

// UpsertEmbedding stores a precomputed vector.
func (s *Store) UpsertEmbedding(collection, nodeID, projectID, text string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("vector store closed")
	}
	_, err := s.db.Exec(fmt.Sprintf(
		`INSERT INTO vec_%s (id, project_id, embedding, text_content) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding,
			project_id = excluded.project_id, text_content = excluded.text_content`,
		collection), nodeID, projectID, encodeFloat32Blob(embedding), text)
	if err != nil {
		return fmt.Errorf("upsert point %s: %w", nodeID, err)
	}
	return nil
}

// CanEmbed reports whether an embedder is configured. Without one the
// store opens but never receives points.
func (s *Store) CanEmbed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embedder != nil
}

// DeleteProject clears every collection for the project. Full rebuilds
// call it before re-upserting so removed symbols do not linger.
func (s *Store) DeleteProject(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("vector store closed")
	}
	for _, col := range collections {
		if _, err := s.db.Exec(fmt.Sprintf(
			"DELETE FROM vec_%s WHERE project_id = ?", col), projectID); err != nil {
			return fmt.Errorf("clear collection %s: %w", col, err)
		}
	}
	return nil
}

// Delete removes a point from every collection, used when a node is
// tombstoned.
func (s *Store) Delete(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("vector store closed")
	}
	for _, col := range collections {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM vec_%s WHERE id = ?", col), nodeID); err != nil {
			return fmt.Errorf("delete point %s from %s: %w", nodeID, col, err)
		}
	}
	return nil
}

// Count returns the number of points stored for a project across all
// collections, used by the drift detector.
func (s *Store) Count(projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, fmt.Errorf("vector store closed")
	}
	total := 0
	for _, col := range collections {
		var n int
		err := s.db.QueryRow(fmt.Sprintf(
			"SELECT COUNT(*) FROM vec_%s WHERE project_id = ?", col), projectID).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", col, err)
		}
		total += n
	}
	return total, nil
}

// Search embeds the query and returns the nearest points across all
// collections, scored by cosine similarity. Satisfies
// retriever.VectorSearcher.
func (s *Store) Search(ctx context.Context, query, projectID string, limit int) ([]retriever.ScoredID, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.SearchEmbedding(queryVec, projectID, limit)
}

// SearchEmbedding searches with a precomputed query vector.
func (s *Store) SearchEmbedding(queryVec []float32, projectID string, limit int) ([]retriever.ScoredID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, fmt.Errorf("vector store closed")
	}
	if limit <= 0 {
		limit = 10
	}

	queryBlob := encodeFloat32Blob(queryVec)
	var all []retriever.ScoredID
	for _, col := range collections {
		rows, err := s.db.Query(fmt.Sprintf(
			`SELECT id, vec_distance_cosine(embedding, ?) AS distance
			 FROM vec_%s WHERE project_id = ?
			 ORDER BY distance ASC LIMIT ?`, col),
			queryBlob, projectID, limit)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", col, err)
		}
		for rows.Next() {
			var id string
			var distance float64
			if err := rows.Scan(&id, &distance); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s row: %w", col, err)
			}
			all = append(all, retriever.ScoredID{ID: id, Score: 1.0 - distance})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s rows: %w", col, err)
		}
		rows.Close()
	}

	sortScored(all)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func sortScored(list []retriever.ScoredID) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		return list[i].ID < list[j].ID
	})
}

// encodeFloat32Blob serializes a vector in the little-endian layout
// sqlite-vec expects.
func encodeFloat32Blob(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
