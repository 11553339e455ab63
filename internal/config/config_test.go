package config

import (
	"reflect"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Addr != ":8080" {
		t.Errorf("unexpected default addr: %q", cfg.Addr)
	}
	if cfg.DBPath != "intake.db" {
		t.Errorf("unexpected default db path: %q", cfg.DBPath)
	}
	if cfg.EngineURL != "http://localhost:5000" {
		t.Errorf("unexpected default engine url: %q", cfg.EngineURL)
	}
	if len(cfg.ArtifactDirs) != 1 || cfg.ArtifactDirs[0] != "artifacts/publish" {
		t.Errorf("unexpected default artifact dirs: %v", cfg.ArtifactDirs)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("INTAKE_ADDR", ":9999")
	t.Setenv("INTAKE_ARTIFACT_DIRS", "out/publish, fallback/publish")
	t.Setenv("INTAKE_AUTH_TOKENS", "tok-a=owner-a, tok-b=owner-b, malformed")

	cfg := Load()
	if cfg.Addr != ":9999" {
		t.Errorf("expected addr override, got %q", cfg.Addr)
	}
	if !reflect.DeepEqual(cfg.ArtifactDirs, []string{"out/publish", "fallback/publish"}) {
		t.Errorf("unexpected artifact dirs: %v", cfg.ArtifactDirs)
	}
	want := map[string]string{"tok-a": "owner-a", "tok-b": "owner-b"}
	if !reflect.DeepEqual(cfg.AuthTokens, want) {
		t.Errorf("unexpected tokens: %v", cfg.AuthTokens)
	}
}
