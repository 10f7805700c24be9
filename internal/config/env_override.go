package config

import "os"

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Embedding provider key from environment (check in priority order)
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" {
			c.Embedding.Provider = "genai"
		}
	}
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		c.Embedding.Provider = "genai"
	}

	if url := os.Getenv("OLLAMA_ENDPOINT"); url != "" {
		c.Embedding.OllamaEndpoint = url
	}

	// Server and store paths from environment
	if addr := os.Getenv("KBROUTER_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if path := os.Getenv("KBROUTER_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if dir := os.Getenv("KBROUTER_KNOWLEDGE_DIR"); dir != "" {
		c.Store.KnowledgeDir = dir
	}
	if agent := os.Getenv("KBROUTER_DEFAULT_AGENT"); agent != "" {
		c.Selector.DefaultAgent = agent
	}
	if os.Getenv("KBROUTER_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}
