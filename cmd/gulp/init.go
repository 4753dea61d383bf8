package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/gulp/internal/model"
)

func (g *gulp) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "init writes an example gulpfile to dir, the working directory by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path, err := writeExample(dir, force)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing gulpfile")
	return cmd
}

func writeExample(dir string, force bool) (string, error) {
	if !force {
		for _, name := range model.GulpfileNames {
			_, err := os.Stat(filepath.Join(dir, name))
			if err == nil {
				return "", fmt.Errorf("%s already exists: use --force to overwrite it", name)
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return "", err
			}
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, model.GulpfileNames[0])
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(model.Example()); err != nil {
		return "", fmt.Errorf("storing gulpfile: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("storing gulpfile: %w", err)
	}
	return path, nil
}
