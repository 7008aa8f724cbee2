package cmd

import (
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/sentinell/internal/llm"
	"github.com/joescharf/sentinell/internal/planner"
)

// newOracle creates the planning model client from config/env, or returns nil
// if no API key is configured. ANTHROPIC_API_KEY is honored as a fallback.
func newOracle() planner.Oracle {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}
