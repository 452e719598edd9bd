package ingestor

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bbiangul/ingestor/fault"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Chunking.Enabled || cfg.Chunking.Strategy != "paragraph" {
		t.Errorf("chunking = %+v", cfg.Chunking)
	}
	if cfg.Chunking.MaxChunkSize != 4<<20 {
		t.Errorf("max chunk size = %d", cfg.Chunking.MaxChunkSize)
	}
	if cfg.Extraction.ConfidenceThreshold != 0.5 || cfg.Extraction.MaxEntities != 50 {
		t.Errorf("extraction = %+v", cfg.Extraction)
	}
	if !cfg.Batch.ContinueOnError || !cfg.Batch.PrioritizeItems || cfg.Batch.TimeoutMs != 60_000 {
		t.Errorf("batch = %+v", cfg.Batch)
	}
	if cfg.Storage.DBName != "ingestor" {
		t.Errorf("db name = %q", cfg.Storage.DBName)
	}
	if cfg.Storage.Cache.MaxSize != 1000 || cfg.Storage.Cache.TTLMs != 30*60*1000 || !cfg.Storage.Cache.AutoPrune {
		t.Errorf("cache = %+v", cfg.Storage.Cache)
	}
	if cfg.AI.Provider != "ollama" || cfg.AI.Model != "llama3.1:8b" {
		t.Errorf("ai = %+v", cfg.AI)
	}
	if cfg.AI.TimeoutMs != 30_000 || cfg.AI.Retries != 3 {
		t.Errorf("ai limits = %+v", cfg.AI)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"chunking": {"strategy": "sentence", "maxChunkSize": 2048},
		"storage": {"dir": "/var/lib/ingestor"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Chunking.Strategy != "sentence" || cfg.Chunking.MaxChunkSize != 2048 {
		t.Errorf("chunking = %+v", cfg.Chunking)
	}
	if cfg.Storage.Dir != "/var/lib/ingestor" {
		t.Errorf("storage dir = %q", cfg.Storage.Dir)
	}

	// Absent sections keep their defaults.
	if !cfg.Chunking.Enabled {
		t.Error("chunking.enabled lost its default")
	}
	if cfg.Extraction.MaxEntities != 50 || cfg.Storage.DBName != "ingestor" || cfg.AI.Provider != "ollama" {
		t.Errorf("defaults clobbered: %+v", cfg)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "extraction:\n  maxEntities: 10\n  allowedTypes: [person, organization]\nai:\n  provider: \"\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Extraction.MaxEntities != 10 {
		t.Errorf("max entities = %d", cfg.Extraction.MaxEntities)
	}
	if !reflect.DeepEqual(cfg.Extraction.AllowedTypes, []string{"person", "organization"}) {
		t.Errorf("allowed types = %v", cfg.Extraction.AllowedTypes)
	}
	// An explicit empty string disables the model back-end; it is not the
	// same as omitting the key.
	if cfg.AI.Provider != "" {
		t.Errorf("ai provider = %q", cfg.AI.Provider)
	}
	if cfg.Extraction.ConfidenceThreshold != 0.5 {
		t.Errorf("confidence threshold = %v", cfg.Extraction.ConfidenceThreshold)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(dir, "absent.json")); !fault.IsKind(err, fault.Validation) {
		t.Errorf("missing file: err = %v, want Validation", err)
	}

	toml := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(toml, []byte("key = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(toml); !fault.IsKind(err, fault.Validation) {
		t.Errorf("unsupported extension: err = %v, want Validation", err)
	}

	broken := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(broken, []byte("{ nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(broken); !fault.IsKind(err, fault.Validation) {
		t.Errorf("malformed body: err = %v, want Validation", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("INGESTOR_STORAGE_DIR", "/srv/ingestor")
	t.Setenv("INGESTOR_AI_PROVIDER", "openai")
	t.Setenv("INGESTOR_CHUNKING_MAX_CHUNK_SIZE", "8192")
	t.Setenv("INGESTOR_EXTRACTION_ALLOWED_TYPES", "person,date")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Storage.Dir != "/srv/ingestor" {
		t.Errorf("storage dir = %q", cfg.Storage.Dir)
	}
	if cfg.AI.Provider != "openai" {
		t.Errorf("ai provider = %q", cfg.AI.Provider)
	}
	if cfg.Chunking.MaxChunkSize != 8192 {
		t.Errorf("max chunk size = %d", cfg.Chunking.MaxChunkSize)
	}
	if !reflect.DeepEqual(cfg.Extraction.AllowedTypes, []string{"person", "date"}) {
		t.Errorf("allowed types = %v", cfg.Extraction.AllowedTypes)
	}
	if cfg.Batch.TimeoutMs != 60_000 {
		t.Errorf("unset variable changed batch timeout: %d", cfg.Batch.TimeoutMs)
	}
}

func TestApplyEnvInvalidValue(t *testing.T) {
	t.Setenv("INGESTOR_CHUNKING_MAX_CHUNK_SIZE", "lots")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); !fault.IsKind(err, fault.Validation) {
		t.Errorf("err = %v, want Validation", err)
	}
}

func TestStateDirLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Dir = "/data/state"

	if got := cfg.StateDir(); got != "/data/state" {
		t.Errorf("state dir = %q", got)
	}
	if got := cfg.DBPath(""); got != "/data/state/databases/ingestor.db" {
		t.Errorf("default db path = %q", got)
	}
	if got := cfg.DBPath("archive"); got != "/data/state/databases/archive.db" {
		t.Errorf("named db path = %q", got)
	}
	if got := cfg.TmpDir(); got != "/data/state/tmp" {
		t.Errorf("tmp dir = %q", got)
	}
	if got := cfg.LogDir(); got != "/data/state/logs" {
		t.Errorf("log dir = %q", got)
	}
}

func TestStateDirDefaultsToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := DefaultConfig()
	if got, want := cfg.StateDir(), filepath.Join(home, ".ingestor"); got != want {
		t.Errorf("state dir = %q, want %q", got, want)
	}
}

func TestEnsureStateDirs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Dir = filepath.Join(t.TempDir(), "state")

	if err := cfg.EnsureStateDirs(); err != nil {
		t.Fatalf("EnsureStateDirs: %v", err)
	}
	for _, sub := range []string{"databases", "logs", "tmp"} {
		fi, err := os.Stat(filepath.Join(cfg.Storage.Dir, sub))
		if err != nil {
			t.Errorf("%s: %v", sub, err)
			continue
		}
		if !fi.IsDir() {
			t.Errorf("%s is not a directory", sub)
		}
	}
}
