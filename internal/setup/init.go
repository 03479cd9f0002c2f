// Package setup writes a starter configuration file.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/experian_v2/internal/atomicfile"
	"github.com/msageha/experian_v2/templates"
)

const configTemplate = "config.yaml"

// WriteConfig copies the example configuration to path. An existing file is never overwritten.
func WriteConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := templates.FS.ReadFile(configTemplate)
	if err != nil {
		return fmt.Errorf("read template %s: %w", configTemplate, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	f, err := atomicfile.Create(path)
	if err != nil {
		return err
	}
	defer f.Abort()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Commit()
}
