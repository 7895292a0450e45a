// Package inference selects the model backend that executes jobs.
package inference

import (
	"fmt"

	"github.com/kiranshivaraju/inferq/internal/config"
	"github.com/kiranshivaraju/inferq/internal/inference/remote"
	"github.com/kiranshivaraju/inferq/internal/inference/stub"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// NewProvider constructs the inference provider named in config.
// Called once at startup.
func NewProvider(cfg config.InferenceConfig) (models.InferenceProvider, error) {
	switch cfg.Provider {
	case "stub":
		return stub.NewProvider(), nil
	case "remote":
		if cfg.URL == "" {
			return nil, fmt.Errorf("INFERENCE_URL is required for the remote provider")
		}
		return remote.NewProvider(cfg.URL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q: must be one of stub, remote", cfg.Provider)
	}
}
