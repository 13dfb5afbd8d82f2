// Package scaffold creates a starter project: a mals.yml with a reviewed
// producer and two example command agents.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/HebbZhu/multi-agent-living-system/internal/config"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the name of the generated configuration file.
const ConfigFile = "mals.yml"

// AgentsDir holds the generated agent scripts.
const AgentsDir = "agents"

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

var templates = []struct {
	name string
	path string
	perm os.FileMode
}{
	{"mals.yml.tmpl", ConfigFile, 0644},
	{"coder.sh.tmpl", filepath.Join(AgentsDir, "coder.sh"), 0755},
	{"critic.sh.tmpl", filepath.Join(AgentsDir, "critic.sh"), 0755},
	{"README.md.tmpl", filepath.Join(AgentsDir, "README.md"), 0644},
}

// Initialize creates the project structure in dir and returns the paths it
// wrote, relative to dir. If force is true, an existing mals.yml and agents/
// directory are removed first.
func Initialize(dir string, force bool) ([]string, error) {
	if force {
		if err := handleForce(dir); err != nil {
			return nil, err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(dir, AgentsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", AgentsDir, err)
	}

	written := make([]string, 0, len(files))
	for _, file := range files {
		if err := os.WriteFile(filepath.Join(dir, file.Path), file.Content, file.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
		written = append(written, file.Path)
	}

	if err := validateCreatedFiles(dir); err != nil {
		return nil, err
	}
	return written, nil
}

func handleForce(dir string) error {
	if err := os.Remove(filepath.Join(dir, ConfigFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", ConfigFile, err)
	}
	if err := os.RemoveAll(filepath.Join(dir, AgentsDir)); err != nil {
		return fmt.Errorf("failed to remove %s/ directory: %w", AgentsDir, err)
	}
	return nil
}

func getTemplateFiles() ([]FileInfo, error) {
	files := make([]FileInfo, 0, len(templates))
	for _, tmpl := range templates {
		content, err := templatesFS.ReadFile("templates/" + tmpl.name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", tmpl.name, err)
		}
		files = append(files, FileInfo{Path: tmpl.path, Content: content, Permissions: tmpl.perm})
	}
	return files, nil
}

// validateCreatedFiles checks the generated configuration parses and validates.
func validateCreatedFiles(dir string) error {
	content, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return fmt.Errorf("failed to read created %s: %w", ConfigFile, err)
	}

	var yamlData any
	if err := yaml.Unmarshal(content, &yamlData); err != nil {
		return fmt.Errorf("created %s is not valid YAML: %w", ConfigFile, err)
	}
	if _, err := config.Parse(content); err != nil {
		return fmt.Errorf("created %s is invalid: %w", ConfigFile, err)
	}
	return nil
}
