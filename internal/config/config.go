// Package config holds the environment-driven service configuration.
package config

import (
	"os"
	"strings"
)

// Config is the runtime configuration, read from INTAKE_* environment
// variables with sensible defaults.
type Config struct {
	Addr         string            // Listen address
	DBPath       string            // SQLite database path
	EngineURL    string            // Base URL of the inference engine
	IndexPath    string            // Bleve search index path ("" disables search)
	Reindex      bool              // Rebuild the search index from the store at startup
	ArtifactDirs []string          // Ordered artifact publish directories
	AuthTokens   map[string]string // token -> owner, for the static verifier
}

// Load reads the configuration from the environment.
func Load() *Config {
	cfg := &Config{
		Addr:         getenv("INTAKE_ADDR", ":8080"),
		DBPath:       getenv("INTAKE_DB_PATH", "intake.db"),
		EngineURL:    getenv("INTAKE_ENGINE_URL", "http://localhost:5000"),
		IndexPath:    getenv("INTAKE_INDEX_PATH", "intake.bleve"),
		Reindex:      os.Getenv("INTAKE_REINDEX") == "1",
		ArtifactDirs: splitList(getenv("INTAKE_ARTIFACT_DIRS", "artifacts/publish")),
		AuthTokens:   parseTokens(os.Getenv("INTAKE_AUTH_TOKENS")),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseTokens parses "token=owner,token2=owner2" pairs. Malformed
// pairs are skipped.
func parseTokens(v string) map[string]string {
	tokens := map[string]string{}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, owner, ok := strings.Cut(pair, "=")
		if !ok || token == "" || owner == "" {
			continue
		}
		tokens[token] = owner
	}
	return tokens
}
