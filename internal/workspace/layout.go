package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joescharf/forge/internal/models"
)

const (
	// MetadataDir is the per-workspace metadata root.
	MetadataDir = ".forge"
	// DescriptorFile records scope, branch, base, and creation time.
	DescriptorFile = "workspace.json"
)

// Metadata subdirectories seeded into every workspace.
const (
	TodosDir  = "todos"
	LogsDir   = "logs"
	AgentsDir = "agents"
)

// TodosPath returns the work-item store root of a workspace.
func TodosPath(wsPath string) string { return filepath.Join(wsPath, MetadataDir, TodosDir) }

// LogsPath returns the log root of a workspace.
func LogsPath(wsPath string) string { return filepath.Join(wsPath, MetadataDir, LogsDir) }

// AgentsPath returns the agent metadata root of a workspace.
func AgentsPath(wsPath string) string { return filepath.Join(wsPath, MetadataDir, AgentsDir) }

// seedMetadata creates the metadata tree and writes the descriptor if absent.
func seedMetadata(wsPath string, desc models.WorkspaceDescriptor) error {
	for _, dir := range []string{TodosPath(wsPath), LogsPath(wsPath), AgentsPath(wsPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metadata dir: %w", err)
		}
	}
	p := filepath.Join(wsPath, MetadataDir, DescriptorFile)
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if desc.CreatedAt.IsZero() {
		desc.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	if err := os.WriteFile(p, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	return nil
}

// ReadDescriptor loads the descriptor of the workspace at wsPath.
func ReadDescriptor(wsPath string) (models.WorkspaceDescriptor, bool, error) {
	var desc models.WorkspaceDescriptor
	data, err := os.ReadFile(filepath.Join(wsPath, MetadataDir, DescriptorFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return desc, false, nil
		}
		return desc, false, err
	}
	if err := json.Unmarshal(data, &desc); err != nil {
		return desc, false, fmt.Errorf("parse descriptor: %w", err)
	}
	return desc, true, nil
}

// ensureExcluded adds the metadata dir to the shared info/exclude of the
// primary repository so seeded metadata never shows as untracked.
func ensureExcluded(primary string) error {
	p := filepath.Join(primary, ".git", "info", "exclude")
	data, err := os.ReadFile(p)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	entry := "/" + MetadataDir + "/"
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	prefix := ""
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + entry + "\n")
	return err
}
