// Package dataset loads the panorama ID collection for a run.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
)

// Load reads a JSON array of panorama ID strings. limit > 0 truncates the
// list, which keeps test runs against multi-million-ID datasets cheap.
func Load(path string, limit int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}

	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}
