package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"arbor/model"
	"arbor/ollama"
)

const checkTimeout = 15 * time.Second

// Check pings p and lists its models, bounded by a short timeout. Used by
// "arbor models" and the /models command.
func Check(ctx context.Context, p model.Provider) ([]ollama.ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	models, err := p.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}

// HasModel reports whether name matches a listed model by display or API
// name.
func HasModel(models []ollama.ModelInfo, name string) bool {
	for _, m := range models {
		if m.Name == name || m.InternalName == name {
			return true
		}
	}
	return false
}
