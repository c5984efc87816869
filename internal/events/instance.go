package events

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not exist.
// With an empty dataDir the ID is generated fresh and not persisted.
// The ID keeps the MQTT client ID stable across restarts.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	var path string
	if dataDir != "" {
		path = filepath.Join(dataDir, "instance_id")
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id, nil
			}
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	idStr := id.String()

	if path != "" {
		if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
			return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
		}
	}
	return idStr, nil
}
