package inference

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medxp/handoff/internal/shared/config"
)

// New builds the configured client. A nil cache disables caching.
func New(cfg config.InferenceConfig, cache Cache, logger zerolog.Logger) (Client, error) {
	var client Client
	switch cfg.Provider {
	case "", "none":
		logger.Warn().Msg("no inference provider configured, analyzers will report unavailable")
		return Unavailable{}, nil
	case "openai":
		client = NewOpenAIClient(OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Timeout:    cfg.Timeout,
			RPS:        cfg.RPS,
			Burst:      cfg.Burst,
			MaxRetries: cfg.MaxRetries,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}

	if cache != nil && cfg.CacheTTL > 0 {
		client = NewCachedClient(client, cache, cfg.CacheTTL, cfg.Provider+":"+cfg.Model, logger)
	}
	return client, nil
}
