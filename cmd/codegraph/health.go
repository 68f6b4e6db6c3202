package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codegraph-dev/codegraph/internal/graph"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check graph store connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := graph.NewClient(graph.ClientConfig{
			URI:      cfg.Graph.URI,
			User:     cfg.Graph.User,
			Password: cfg.Graph.Password,
			Database: cfg.Graph.Database,
			Timeout:  cfg.Graph.Timeout,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		defer client.Close(ctx)

		if err := client.Connect(ctx); err != nil {
			fmt.Printf("graph store: unreachable (%v)\n", err)
			fmt.Println("retrieval will degrade to the in-memory index and lexical search")
			return nil
		}
		fmt.Printf("graph store: connected (%s, database %s)\n", cfg.Graph.URI, cfg.Graph.Database)

		qr := client.ExecuteQuery(ctx, "MATCH (n) RETURN count(n) AS n", nil)
		if qr.Err != nil {
			fmt.Printf("count query failed: %v\n", qr.Err)
			return nil
		}
		if len(qr.Rows) > 0 {
			fmt.Printf("nodes: %v\n", qr.Rows[0]["n"])
		}
		return nil
	},
}
