package ingestor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/bbiangul/ingestor/fault"
)

// Config is the single structured configuration the engine reads at startup.
// Zero values fall back to the defaults documented on each field; use
// DefaultConfig as the starting point and overlay files and environment.
type Config struct {
	Chunking   ChunkingConfig   `json:"chunking" yaml:"chunking"`
	Extraction ExtractionConfig `json:"extraction" yaml:"extraction"`
	Batch      BatchConfig      `json:"batch" yaml:"batch"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	AI         AIConfig         `json:"ai" yaml:"ai"`
}

// ChunkingConfig controls how text content is split before extraction.
type ChunkingConfig struct {
	// Enabled turns chunking on. Disabled content is stored as one chunk.
	Enabled bool `json:"enabled" yaml:"enabled" env:"CHUNKING_ENABLED"`

	// Strategy is one of size, paragraph, sentence, token.
	Strategy string `json:"strategy" yaml:"strategy" env:"CHUNKING_STRATEGY"`

	// MaxChunkSize is the chunk size cap in bytes. Defaults to 4 MiB.
	MaxChunkSize int `json:"maxChunkSize" yaml:"maxChunkSize" env:"CHUNKING_MAX_CHUNK_SIZE"`

	// ChunkOverlap is the byte overlap carried between consecutive chunks.
	// Zero means 10% of MaxChunkSize, never less than 256 bytes.
	ChunkOverlap int `json:"chunkOverlap" yaml:"chunkOverlap" env:"CHUNKING_OVERLAP"`
}

// ExtractionConfig bounds what the entity extractors keep.
type ExtractionConfig struct {
	// ConfidenceThreshold drops entities whose best mention relevance is
	// below it. Defaults to 0.5; use -1 to keep everything.
	ConfidenceThreshold float64 `json:"confidenceThreshold" yaml:"confidenceThreshold" env:"EXTRACTION_CONFIDENCE_THRESHOLD"`

	// MaxEntities caps entities kept per extraction. Defaults to 50;
	// use -1 to uncap.
	MaxEntities int `json:"maxEntities" yaml:"maxEntities" env:"EXTRACTION_MAX_ENTITIES"`

	// AllowedTypes restricts extraction to the named entity types.
	// Empty means all types.
	AllowedTypes []string `json:"allowedTypes" yaml:"allowedTypes" env:"EXTRACTION_ALLOWED_TYPES" envSeparator:","`
}

// BatchConfig sets the batch engine defaults; per-call options override.
type BatchConfig struct {
	// MaxConcurrency is the worker count. Zero means the CPU count.
	MaxConcurrency int `json:"maxConcurrency" yaml:"maxConcurrency" env:"BATCH_MAX_CONCURRENCY"`

	// DynamicConcurrency scales workers with load and free memory.
	DynamicConcurrency bool `json:"dynamicConcurrency" yaml:"dynamicConcurrency" env:"BATCH_DYNAMIC_CONCURRENCY"`

	// ContinueOnError keeps a batch running past failed items.
	ContinueOnError bool `json:"continueOnError" yaml:"continueOnError" env:"BATCH_CONTINUE_ON_ERROR"`

	// PrioritizeItems orders the queue by descending item priority.
	PrioritizeItems bool `json:"prioritizeItems" yaml:"prioritizeItems" env:"BATCH_PRIORITIZE_ITEMS"`

	// WorkerMemoryLimit is an optional process RSS budget in bytes that the
	// resource monitor holds concurrency under. Zero disables it.
	WorkerMemoryLimit int64 `json:"workerMemoryLimit" yaml:"workerMemoryLimit" env:"BATCH_WORKER_MEMORY_LIMIT"`

	// TimeoutMs caps one item's processing time. Defaults to 60000.
	TimeoutMs int64 `json:"timeoutMs" yaml:"timeoutMs" env:"BATCH_TIMEOUT_MS"`
}

// StorageConfig locates the state directory and tunes the entity cache.
type StorageConfig struct {
	// Dir is the state root holding databases/, logs/ and tmp/.
	// Defaults to ~/.ingestor.
	Dir string `json:"dir" yaml:"dir" env:"STORAGE_DIR"`

	// DBName names the database file inside databases/. Defaults to
	// "ingestor"; the file becomes <Dir>/databases/<DBName>.db.
	DBName string `json:"dbName" yaml:"dbName" env:"STORAGE_DB_NAME"`

	Cache CacheConfig `json:"cache" yaml:"cache"`
}

// CacheConfig tunes the in-process entity cache.
type CacheConfig struct {
	// MaxSize caps cached entries. Defaults to 1000.
	MaxSize int `json:"maxSize" yaml:"maxSize" env:"STORAGE_CACHE_MAX_SIZE"`

	// TTLMs expires entries after this many milliseconds. Defaults to
	// 30 minutes.
	TTLMs int64 `json:"ttlMs" yaml:"ttlMs" env:"STORAGE_CACHE_TTL_MS"`

	// AutoPrune sweeps expired entries in the background.
	AutoPrune bool `json:"autoPrune" yaml:"autoPrune" env:"STORAGE_CACHE_AUTO_PRUNE"`
}

// AIConfig configures the model back-end used for entity extraction.
// Leave Credential empty to run on rule-based extraction only.
type AIConfig struct {
	// Provider is one of ollama, lmstudio, openrouter, openai, groq, xai,
	// gemini, custom.
	Provider string `json:"provider" yaml:"provider" env:"AI_PROVIDER"`

	// Endpoint overrides the provider's default base URL.
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"AI_ENDPOINT"`

	// Credential is the API key, where the provider needs one.
	Credential string `json:"credential" yaml:"credential" env:"AI_CREDENTIAL"`

	Model string `json:"model" yaml:"model" env:"AI_MODEL"`

	// TimeoutMs caps each model call attempt. Defaults to 30000.
	TimeoutMs int64 `json:"timeoutMs" yaml:"timeoutMs" env:"AI_TIMEOUT_MS"`

	// Retries is the retry count after the first attempt. Defaults to 3.
	Retries int `json:"retries" yaml:"retries" env:"AI_RETRIES"`
}

// DefaultConfig returns the documented defaults: paragraph chunking with
// 4 MiB chunks, extraction thresholds of 0.5 confidence and 50 entities,
// a CPU-count worker pool, state under ~/.ingestor, and a local Ollama
// back-end for extraction.
func DefaultConfig() Config {
	return Config{
		Chunking: ChunkingConfig{
			Enabled:      true,
			Strategy:     "paragraph",
			MaxChunkSize: 4 << 20,
		},
		Extraction: ExtractionConfig{
			ConfidenceThreshold: 0.5,
			MaxEntities:         50,
		},
		Batch: BatchConfig{
			ContinueOnError: true,
			PrioritizeItems: true,
			TimeoutMs:       60_000,
		},
		Storage: StorageConfig{
			DBName: "ingestor",
			Cache: CacheConfig{
				MaxSize:   1000,
				TTLMs:     30 * 60 * 1000,
				AutoPrune: true,
			},
		},
		AI: AIConfig{
			Provider:  "ollama",
			Model:     "llama3.1:8b",
			TimeoutMs: 30_000,
			Retries:   3,
		},
	}
}

// LoadConfig reads a JSON or YAML config file, chosen by extension, over
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fault.Wrap(fault.Validation, "read config file", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return cfg, fault.Errorf(fault.Validation, "unsupported config extension: %s", filepath.Ext(path))
	}
	if err != nil {
		return cfg, fault.Wrap(fault.Validation, "parse config file", err)
	}
	return cfg, nil
}

// ApplyEnv overlays INGESTOR_* environment variables onto the config.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: "INGESTOR_"}); err != nil {
		return fault.Wrap(fault.Validation, "apply environment overrides", err)
	}
	return nil
}

// StateDir resolves the state root, defaulting to ~/.ingestor and falling
// back to the working directory when the home directory is unknown.
func (c *Config) StateDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ingestor"
	}
	return filepath.Join(home, ".ingestor")
}

// EnsureStateDirs creates the state root and its databases/, logs/ and
// tmp/ subdirectories.
func (c *Config) EnsureStateDirs() error {
	root := c.StateDir()
	for _, sub := range []string{"databases", "logs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return fault.Wrap(fault.Fatal, "create state directory", err)
		}
	}
	return nil
}

// DBPath maps a database name to its file under <state>/databases/.
// An empty name uses Storage.DBName, then "ingestor".
func (c *Config) DBPath(name string) string {
	if name == "" {
		name = c.Storage.DBName
	}
	if name == "" {
		name = "ingestor"
	}
	return filepath.Join(c.StateDir(), "databases", name+".db")
}

// TmpDir returns the spool directory for transient downloads.
func (c *Config) TmpDir() string {
	return filepath.Join(c.StateDir(), "tmp")
}

// LogDir returns the directory server logs are written to.
func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir(), "logs")
}
