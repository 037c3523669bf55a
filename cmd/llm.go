package cmd

import (
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/forge/internal/llm"
)

// newLLMClient creates an LLM provider from config/env, or returns nil if no API key is configured.
func newLLMClient() llm.Provider {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(llm.Config{
		APIKey:    apiKey,
		Model:     viper.GetString("anthropic.model"),
		MaxTokens: viper.GetInt64("llm.max_tokens"),
		Timeout:   viper.GetDuration("llm.timeout"),
	})
}
