package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/monorail-dev/monorail/internal/errors"
	"github.com/monorail-dev/monorail/internal/pipeline"
)

// WorkspaceFilename is the workspace configuration file, found next to
// the root manifest.
const WorkspaceFilename = "monorail.json"

// WorkspaceConfig is the workspace-level build configuration: the task
// pipeline plus the inputs folded into every task's global hash.
type WorkspaceConfig struct {
	// Pipeline maps task names to their ordering and caching rules.
	Pipeline pipeline.Pipeline `json:"pipeline,omitempty"`

	// GlobalDependencies are root-relative file globs whose contents
	// invalidate every cached task when they change.
	GlobalDependencies []string `json:"globalDependencies,omitempty"`

	// GlobalEnv names environment variables whose values feed the
	// global hash shared by every task.
	GlobalEnv []string `json:"globalEnv,omitempty"`
}

// LoadWorkspace reads monorail.json under root. A missing file is not
// an error: the zero configuration runs requested scripts with no
// ordering constraints and default caching.
func LoadWorkspace(root string) (*WorkspaceConfig, error) {
	path := filepath.Join(root, WorkspaceFilename)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &WorkspaceConfig{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read "+path, err)
	}

	var cfg WorkspaceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "failed to parse "+path, err).
			WithSuggestion("Check " + WorkspaceFilename + " for JSON syntax errors")
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
