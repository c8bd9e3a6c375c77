package assistant

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// clearEnv neutralizes every environment variable the defaults read, so
// tests see the compiled fallbacks regardless of the host environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ALFRED_HTTP_ADDR", "ALFRED_DATA_DIR", "ALFRED_TEI_URL",
		"ALFRED_EMBED_SYNC_INTERVAL", "ALFRED_INDEX_DRIVER", "ALFRED_PG_URL",
		"ALFRED_FILE_ROOTS", "ALFRED_MUSIC_PATH", "ALFRED_MATRIX_ENABLED",
		"ALFRED_PRIVATE_CONFIG",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY",
		"WEATHER_API_KEY",
		"MATRIX_HOMESERVER", "MATRIX_BOT_USER", "MATRIX_BOT_PASSWORD",
		"MATRIX_SERVER_NAME", "ALLOWED_USERS",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("HOME", "/home/alfred")
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Name != "alfred" {
		t.Errorf("Name = %q, want %q", cfg.Name, "alfred")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.Memory.Path != filepath.Join("data", "memory.json") {
		t.Errorf("Memory.Path = %q, want under data dir", cfg.Memory.Path)
	}
	if cfg.Memory.Threshold != 0.35 {
		t.Errorf("Memory.Threshold = %v, want 0.35", cfg.Memory.Threshold)
	}
	if cfg.Memory.TopK != 3 {
		t.Errorf("Memory.TopK = %d, want 3", cfg.Memory.TopK)
	}
	if cfg.Index.Driver != "sqlite" {
		t.Errorf("Index.Driver = %q, want %q", cfg.Index.Driver, "sqlite")
	}
	if cfg.Index.Path != filepath.Join("data", "vectors.db") {
		t.Errorf("Index.Path = %q, want under data dir", cfg.Index.Path)
	}
	if cfg.Embeddings.Dimensions != 768 {
		t.Errorf("Embeddings.Dimensions = %d, want 768", cfg.Embeddings.Dimensions)
	}
	if cfg.Embeddings.SyncInterval != "30s" {
		t.Errorf("Embeddings.SyncInterval = %q, want %q", cfg.Embeddings.SyncInterval, "30s")
	}
	if cfg.Embeddings.BatchSize != 16 {
		t.Errorf("Embeddings.BatchSize = %d, want 16", cfg.Embeddings.BatchSize)
	}

	wantProviders := []string{"anthropic", "openai", "openrouter"}
	if len(cfg.LLM.Providers) != len(wantProviders) {
		t.Fatalf("len(LLM.Providers) = %d, want %d", len(cfg.LLM.Providers), len(wantProviders))
	}
	for i, p := range cfg.LLM.Providers {
		if p.Provider != wantProviders[i] {
			t.Errorf("Providers[%d].Provider = %q, want %q", i, p.Provider, wantProviders[i])
		}
	}
	if cfg.LLM.MaxTokens != 1024 {
		t.Errorf("LLM.MaxTokens = %d, want 1024", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.Temperature != 0.7 {
		t.Errorf("LLM.Temperature = %v, want 0.7", cfg.LLM.Temperature)
	}

	if cfg.Calendar.Path != filepath.Join("data", "calendar.json") {
		t.Errorf("Calendar.Path = %q, want under data dir", cfg.Calendar.Path)
	}
	if cfg.Automation.LogPath != filepath.Join("data", "automation.log") {
		t.Errorf("Automation.LogPath = %q, want under data dir", cfg.Automation.LogPath)
	}
	if cfg.System.Interval != "30s" {
		t.Errorf("System.Interval = %q, want %q", cfg.System.Interval, "30s")
	}
	if len(cfg.Files.Roots) != 1 || cfg.Files.Roots[0] != "/home/alfred" {
		t.Errorf("Files.Roots = %v, want the home directory", cfg.Files.Roots)
	}
	if cfg.Matrix.Enabled {
		t.Error("Matrix.Enabled = true, want false by default")
	}
	if cfg.Matrix.DataDir != "data" {
		t.Errorf("Matrix.DataDir = %q, want the shared data dir", cfg.Matrix.DataDir)
	}
}

func TestLoadConfigFileMerge(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, fmt.Sprintf(`{
		"name": "jeeves",
		"data_dir": %q,
		"memory": {"top_k": 5},
		"index": {"driver": "memory"},
		"llm": {"providers": [{"provider": "openai", "model": "gpt-4o-mini", "api_key": "sk-test"}]}
	}`, dir))

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Name != "jeeves" {
		t.Errorf("Name = %q, want %q", cfg.Name, "jeeves")
	}
	// A nested override keeps its sibling defaults.
	if cfg.Memory.TopK != 5 {
		t.Errorf("Memory.TopK = %d, want 5", cfg.Memory.TopK)
	}
	if cfg.Memory.Threshold != 0.35 {
		t.Errorf("Memory.Threshold = %v, want untouched default 0.35", cfg.Memory.Threshold)
	}
	if cfg.Index.Driver != "memory" {
		t.Errorf("Index.Driver = %q, want %q", cfg.Index.Driver, "memory")
	}
	// Derived paths follow the overridden data dir.
	if cfg.Memory.Path != filepath.Join(dir, "memory.json") {
		t.Errorf("Memory.Path = %q, want under %s", cfg.Memory.Path, dir)
	}
	if cfg.Calendar.Path != filepath.Join(dir, "calendar.json") {
		t.Errorf("Calendar.Path = %q, want under %s", cfg.Calendar.Path, dir)
	}
	// The provider list is replaced wholesale, not appended to.
	if len(cfg.LLM.Providers) != 1 {
		t.Fatalf("len(LLM.Providers) = %d, want 1", len(cfg.LLM.Providers))
	}
	if cfg.LLM.Providers[0].Provider != "openai" {
		t.Errorf("Providers[0].Provider = %q, want %q", cfg.LLM.Providers[0].Provider, "openai")
	}
	// Untouched sections still get their fill-in defaults.
	if cfg.LLM.MaxTokens != 1024 {
		t.Errorf("LLM.MaxTokens = %d, want 1024", cfg.LLM.MaxTokens)
	}
}

func TestLoadConfigPrivateOverlay(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	mainPath := filepath.Join(dir, "config.json")
	writeConfig(t, mainPath, `{"matrix": {"enabled": true, "password": "placeholder"}}`)

	overlayPath := filepath.Join(dir, "private.json")
	writeConfig(t, overlayPath, `{"matrix": {"password": "s3cret"}, "weather": {"api_key": "owm-key"}}`)
	t.Setenv("ALFRED_PRIVATE_CONFIG", overlayPath)

	cfg, err := LoadConfig(mainPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if !cfg.Matrix.Enabled {
		t.Error("Matrix.Enabled = false, want true from the main config")
	}
	if cfg.Matrix.Password != "s3cret" {
		t.Errorf("Matrix.Password = %q, want the overlay value", cfg.Matrix.Password)
	}
	if cfg.Weather.APIKey != "owm-key" {
		t.Errorf("Weather.APIKey = %q, want the overlay value", cfg.Weather.APIKey)
	}
}

func TestLoadConfigEnvResolution(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_OWM_KEY", "resolved-key")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{
		"weather": {"api_key": "$TEST_OWM_KEY"},
		"llm": {"providers": [{"provider": "anthropic", "model": "claude-opus-4-6", "api_key": "$TEST_UNSET_KEY"}]}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Weather.APIKey != "resolved-key" {
		t.Errorf("Weather.APIKey = %q, want %q", cfg.Weather.APIKey, "resolved-key")
	}
	// An unset reference stays literal so the misconfiguration is visible.
	if got := cfg.LLM.Providers[0].APIKey; got != "$TEST_UNSET_KEY" {
		t.Errorf("Providers[0].APIKey = %q, want the literal reference", got)
	}
}

func TestLoadConfigEnvFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALFRED_HTTP_ADDR", ":9090")
	t.Setenv("ALFRED_DATA_DIR", "/var/lib/alfred")
	t.Setenv("ALFRED_FILE_ROOTS", "/srv/docs:/srv/media")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}
	if cfg.Memory.Path != filepath.Join("/var/lib/alfred", "memory.json") {
		t.Errorf("Memory.Path = %q, want under /var/lib/alfred", cfg.Memory.Path)
	}
	if len(cfg.Files.Roots) != 2 || cfg.Files.Roots[1] != "/srv/media" {
		t.Errorf("Files.Roots = %v, want the two configured roots", cfg.Files.Roots)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestRerootData(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"memory": {"path": "/etc/alfred/facts.json"}}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.RerootData("/var/lib/alfred")

	if cfg.DataDir != "/var/lib/alfred" {
		t.Fatalf("DataDir = %q, want /var/lib/alfred", cfg.DataDir)
	}
	// Derived paths move with the data dir.
	if cfg.Index.Path != "/var/lib/alfred/vectors.db" {
		t.Errorf("Index.Path = %q, want /var/lib/alfred/vectors.db", cfg.Index.Path)
	}
	if cfg.Calendar.Path != "/var/lib/alfred/calendar.json" {
		t.Errorf("Calendar.Path = %q, want /var/lib/alfred/calendar.json", cfg.Calendar.Path)
	}
	if cfg.Matrix.DataDir != "/var/lib/alfred" {
		t.Errorf("Matrix.DataDir = %q, want /var/lib/alfred", cfg.Matrix.DataDir)
	}
	// An explicitly configured path stays put.
	if cfg.Memory.Path != "/etc/alfred/facts.json" {
		t.Errorf("Memory.Path = %q, want the explicit /etc/alfred/facts.json", cfg.Memory.Path)
	}
}
