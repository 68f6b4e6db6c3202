package orchestrator

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/codegraph-dev/codegraph/internal/config"
	"github.com/codegraph-dev/codegraph/internal/graph"
)

// featureFile is the optional .codegraph/features.yaml declaring tracked
// features. Seeding uses ON CREATE semantics so rebuilds never reset a
// feature's status.
type featureFile struct {
	Features []featureDecl `yaml:"features"`
}

type featureDecl struct {
	Name     string `yaml:"name"`
	Status   string `yaml:"status"`
	Priority string `yaml:"priority"`
}

func (o *Orchestrator) featureSeeds(req Request, builder *graph.Builder, res *Result) []graph.Statement {
	path := filepath.Join(req.WorkspaceRoot, config.AppDir, "features.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var ff featureFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		res.Warnings = append(res.Warnings, "features.yaml unparsable: "+err.Error())
		return nil
	}

	var stmts []graph.Statement
	for _, f := range ff.Features {
		if f.Name == "" {
			continue
		}
		status := f.Status
		if status == "" {
			status = "planned"
		}
		priority := f.Priority
		if priority == "" {
			priority = "normal"
		}
		stmts = append(stmts, builder.BuildFeatureSeed(f.Name, status, priority))
	}
	return stmts
}
