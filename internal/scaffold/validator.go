package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckExisting returns an error listing the project files already present in
// dir, or nil when it is safe to initialize.
func CheckExisting(dir string) error {
	var existingFiles []string

	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err == nil {
		existingFiles = append(existingFiles, ConfigFile)
	}
	if info, err := os.Stat(filepath.Join(dir, AgentsDir)); err == nil && info.IsDir() {
		existingFiles = append(existingFiles, AgentsDir+"/")
	}

	if len(existingFiles) == 0 {
		return nil
	}
	return &ExistingError{Files: existingFiles}
}

// ExistingError reports project files that would be overwritten.
type ExistingError struct {
	Files []string
}

func (e *ExistingError) Error() string {
	if len(e.Files) == 1 {
		return fmt.Sprintf("project already initialized: found existing %s", e.Files[0])
	}
	return fmt.Sprintf("project already initialized: found existing files %s", strings.Join(e.Files, ", "))
}
