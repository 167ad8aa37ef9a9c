package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/agent-onboarding/internal/config"
)

var _ config.Loader = (*FileLoader)(nil)

// FileLoader loads rule overrides from a YAML file on disk.
type FileLoader struct {
	// path is the filesystem path to the overrides file.
	path string
}

// NewFileLoader creates a new FileLoader that will load overrides from the
// specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the file specified in FileLoader.path. Unknown keys
// are rejected so a typo cannot silently disable an override.
func (l *FileLoader) Load(ctx context.Context) (*config.RuleOverrides, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var overrides config.RuleOverrides
	if err := dec.Decode(&overrides); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	return &overrides, nil
}
