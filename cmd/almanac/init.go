package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/almanac-ai/almanac/assistant"
	"github.com/almanac-ai/almanac/internal/defaults"
)

// runInit initializes an Almanac working directory with default files:
// an example config and editable copies of the assistant instructions
// and tool schemas. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Almanac workspace in %s\n", dir)

	assistantDir := filepath.Join(dir, "assistant")
	if err := os.MkdirAll(assistantDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", assistantDir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	// Copy the embedded assistant files so they can be customized.
	err := fs.WalkDir(assistant.FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := fs.ReadFile(assistant.FS, path)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", path, err)
		}

		destPath := filepath.Join(assistantDir, d.Name())
		if err := writeIfMissing(destPath, content); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", destPath)
		return nil
	})
	if err != nil {
		return fmt.Errorf("install assistant files: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to configure your calendar and model access.")
	fmt.Fprintln(w, "Point assistant.dir at the assistant/ directory to customize the persona.")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
