package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFilePaths returns every file called name in dir and its parents,
// nearest first
func EnvFilePaths(dir, name string) ([]string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	var paths []string
	for {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			paths = append(paths, candidate)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return paths, nil
}

// LoadEnvTree loads the .env files found from dir upward. Variables already
// set in the environment win, and nearer files win over farther ones. It
// returns the files loaded.
func LoadEnvTree(dir string) ([]string, error) {
	paths, err := EnvFilePaths(dir, ".env")
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	return paths, nil
}
