package ledger

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StorageEngine selects the durable backend beneath a ledger.
type StorageEngine string

const (
	// StorageEngineFile stores everything as files under a base directory.
	StorageEngineFile StorageEngine = "file"
	// StorageEngineMemory keeps everything in memory. For tests and caches.
	StorageEngineMemory StorageEngine = "memory"
	// StorageEngineSQLite stores everything in a single SQLite database.
	StorageEngineSQLite StorageEngine = "sqlite"
	// StorageEngineS3 stores everything in an S3 bucket.
	StorageEngineS3 StorageEngine = "s3"
)

// Config defines ledger configuration.
type Config struct {
	// Path is the base directory for the file engine, or the database file
	// for the sqlite engine. Required for those engines unless Backend is set.
	Path string `yaml:"path" json:"path"`

	// Backend is an optional pre-built storage backend. When set, the Storage
	// section is ignored.
	Backend StorageBackend `yaml:"-" json:"-"`

	// Storage selects and tunes the storage engine.
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Merge configures automatic merge behavior for all pages.
	Merge MergeConfig `yaml:"merge" json:"merge"`

	// Sync configures cloud synchronization.
	Sync SyncConfig `yaml:"sync" json:"sync"`

	// Encryption configures encryption of synced commit payloads.
	// If nil or Enabled is false, payloads travel compressed but unencrypted.
	Encryption *EncryptionConfig `yaml:"encryption" json:"encryption,omitempty"`
}

// StorageConfig groups storage engine settings.
type StorageConfig struct {
	// Engine selects the backend. Default: file.
	Engine StorageEngine `yaml:"engine" json:"engine"`

	// ObjectCacheSize is the number of tree objects kept in memory.
	// Default: 256.
	ObjectCacheSize int `yaml:"object_cache_size" json:"object_cache_size"`

	// SQLite tunes the sqlite engine. Nil means defaults.
	SQLite *SQLiteBackendConfig `yaml:"sqlite" json:"sqlite,omitempty"`

	// S3 configures the s3 engine. Required when Engine is s3.
	S3 *S3BackendConfig `yaml:"s3" json:"s3,omitempty"`
}

// MergeConfig groups merge engine settings.
type MergeConfig struct {
	// Policy is the initial merge policy: manual, last_writer_wins, or
	// custom. Default: manual.
	Policy string `yaml:"policy" json:"policy"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path: path,
		Storage: StorageConfig{
			Engine:          StorageEngineFile,
			ObjectCacheSize: defaultObjectCacheSize,
		},
		Merge: MergeConfig{
			Policy: MergeManual.String(),
		},
		Sync: DefaultSyncConfig(),
	}
}

// LoadConfig reads a YAML configuration file and fills unset fields with
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Storage.Engine == "" {
		c.Storage.Engine = StorageEngineFile
	}
	if c.Backend == nil {
		switch c.Storage.Engine {
		case StorageEngineFile:
			if c.Path == "" {
				return errors.New("file engine requires a path")
			}
		case StorageEngineSQLite:
			if c.Path == "" && (c.Storage.SQLite == nil || c.Storage.SQLite.Path == "") {
				return errors.New("sqlite engine requires a path")
			}
		case StorageEngineS3:
			if c.Storage.S3 == nil || c.Storage.S3.Bucket == "" {
				return errors.New("s3 engine requires a bucket")
			}
		case StorageEngineMemory:
		default:
			return fmt.Errorf("unknown storage engine %q", c.Storage.Engine)
		}
	}

	if _, err := ParseMergePolicy(c.Merge.Policy); err != nil {
		return err
	}

	if c.Encryption != nil && c.Encryption.Enabled {
		if len(c.Encryption.Key) == 0 && c.Encryption.KeyPassword == "" {
			return errors.New("encryption enabled but no key or password provided")
		}
	}
	return nil
}

// ParseMergePolicy converts a policy name into a MergePolicy. An empty name
// means manual.
func ParseMergePolicy(name string) (MergePolicy, error) {
	switch name {
	case "", "manual":
		return MergeManual, nil
	case "last_writer_wins", "lww":
		return MergeLastWriterWins, nil
	case "custom":
		return MergeCustom, nil
	default:
		return MergeManual, fmt.Errorf("unknown merge policy %q", name)
	}
}

// openBackend builds the storage backend the configuration describes.
func openBackend(cfg Config) (StorageBackend, error) {
	if cfg.Backend != nil {
		return cfg.Backend, nil
	}
	switch cfg.Storage.Engine {
	case StorageEngineMemory:
		return NewMemoryBackend(), nil
	case StorageEngineFile, "":
		return NewFileBackend(cfg.Path)
	case StorageEngineSQLite:
		sqliteCfg := DefaultSQLiteBackendConfig()
		if cfg.Storage.SQLite != nil {
			sqliteCfg = *cfg.Storage.SQLite
		}
		if sqliteCfg.Path == "" {
			sqliteCfg.Path = cfg.Path
		}
		return NewSQLiteBackend(sqliteCfg)
	case StorageEngineS3:
		if cfg.Storage.S3 == nil {
			return nil, errors.New("s3 engine requires configuration")
		}
		return NewS3Backend(*cfg.Storage.S3)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}
