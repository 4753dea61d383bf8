package model

import "time"

// Example is the gulpfile written by gulp init.
func Example() Config {
	return Config{
		Version: 0,
		Defaults: &Defaults{
			Timeout: Duration(10 * time.Minute),
			Env:     map[string]string{"CGO_ENABLED": "0"},
		},
		Tasks: map[string]TaskConfig{
			"clean": {
				Description: "Remove build outputs",
				Run:         "rm -rf build",
			},
			"lint": {
				Description: "Vet the sources",
				Command:     &Command{Path: "go", Args: []string{"vet", "./..."}},
			},
			"test": {
				Description: "Run unit tests",
				Command:     &Command{Path: "go", Args: []string{"test", "./..."}},
				Retry:       &Retry{Attempts: 2, Backoff: Duration(time.Second)},
			},
			"build": {
				Description: "Build all binaries",
				Before:      []string{"clean"},
				Command:     &Command{Path: "go", Args: []string{"build", "-o", "build/", "./..."}},
			},
			"default": {
				Description: "Clean, check and build",
				Series: []Step{
					{Task: "clean"},
					{Parallel: []Step{{Task: "lint"}, {Task: "test"}}},
					{Task: "build"},
				},
			},
		},
		Watch: []Watch{
			{Paths: []string{"**/*.go"}, Tasks: []string{"build"}},
		},
		TaskOrder: []string{"clean", "lint", "test", "build", "default"},
	}
}
