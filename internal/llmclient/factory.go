// File: internal/llmclient/factory.go
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/config"
)

// NewClient is a factory function that builds the tier router from configuration.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.ProviderName {
	case config.ProviderGemini:
		fast, err := NewGeminiClient(cfg.Fast, cfg.RequestsPerMinute, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build fast tier client: %w", err)
		}
		powerful, err := NewGeminiClient(cfg.Powerful, cfg.RequestsPerMinute, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build powerful tier client: %w", err)
		}
		return NewLLMRouter(logger, fast, powerful)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.ProviderName, config.ProviderGemini)
	}
}
