package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/codegraph-dev/codegraph/internal/config"
	"github.com/codegraph-dev/codegraph/internal/docs"
	"github.com/codegraph-dev/codegraph/internal/graph"
	"github.com/codegraph-dev/codegraph/internal/hashcache"
	"github.com/codegraph-dev/codegraph/internal/orchestrator"
	"github.com/codegraph-dev/codegraph/internal/parser"
	"github.com/codegraph-dev/codegraph/internal/syncstate"
	"github.com/codegraph-dev/codegraph/internal/vector"
)

var (
	rebuildWorkspace string
	rebuildSourceDir string
	rebuildProject   string
	rebuildMode      string
	rebuildDocs      bool
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Build or refresh the code graph from the command line",
	RunE: func(cmd *cobra.Command, args []string) error {
		root := rebuildWorkspace
		if root == "" {
			root = cfg.Workspace.Root
		}
		if root == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			root = cwd
		}
		root, err := filepath.Abs(root)
		if err != nil {
			return err
		}

		projectID := rebuildProject
		if projectID == "" {
			projectID = cfg.Workspace.ProjectID
		}
		if projectID == "" {
			projectID = filepath.Base(root)
		}

		sourceDir := rebuildSourceDir
		if sourceDir == "" {
			sourceDir = cfg.Workspace.SourceDir
		}
		if !filepath.IsAbs(sourceDir) {
			sourceDir = filepath.Join(root, sourceDir)
		}

		mode := orchestrator.ModeFull
		if rebuildMode == "incremental" {
			mode = orchestrator.ModeIncremental
		}

		client := graph.NewClient(graph.ClientConfig{
			URI:      cfg.Graph.URI,
			User:     cfg.Graph.User,
			Password: cfg.Graph.Password,
			Database: cfg.Graph.Database,
			Timeout:  cfg.Graph.Timeout,
		})
		ctx := context.Background()
		if err := client.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: graph store unreachable, building index only: %v\n", err)
		}
		defer client.Close(ctx)

		adapter := parser.NewAdapter()
		index := graph.NewMemIndex(projectID)
		cacheDir := filepath.Join(root, config.AppDir, "cache")
		cache := hashcache.Load(cacheDir, projectID)
		tracker := syncstate.NewTracker(projectID, cfg.Sync.StateHistoryMaxSize)
		docsEngine := docs.NewEngine(adapter, client, index, cache)
		docsEngine.SetWorkspace(root)

		var sink orchestrator.EmbeddingSink
		embedder := vector.NewOpenAIEmbedder(
			cfg.Vector.OpenAIKey, cfg.Vector.EmbeddingModel, cfg.Vector.Dimensions)
		if embedder != nil {
			if store, verr := vector.Open(filepath.Join(cacheDir, "vectors.db"), embedder); verr != nil {
				fmt.Fprintf(os.Stderr, "warning: vector store unavailable: %v\n", verr)
			} else {
				defer store.Close()
				sink = store
			}
		}

		orch := orchestrator.New(adapter, cache, client, index, nil, tracker, docsEngine, sink)
		res, err := orch.Run(ctx, orchestrator.Request{
			Mode:          mode,
			WorkspaceRoot: root,
			SourceDir:     sourceDir,
			ProjectID:     projectID,
			TxID:          "tx-" + uuid.NewString(),
			TxTimestamp:   time.Now(),
			IndexDocs:     rebuildDocs,
		})
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildWorkspace, "workspace", "", "workspace root (default: cwd)")
	rebuildCmd.Flags().StringVar(&rebuildSourceDir, "source-dir", "", "source directory (default: src)")
	rebuildCmd.Flags().StringVar(&rebuildProject, "project", "", "project id (default: basename of workspace)")
	rebuildCmd.Flags().StringVar(&rebuildMode, "mode", "full", "full or incremental")
	rebuildCmd.Flags().BoolVar(&rebuildDocs, "index-docs", false, "also index workspace documentation")
}
