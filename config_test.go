package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/tmp/ledger-data")
	if cfg.Path != "/tmp/ledger-data" {
		t.Errorf("Path = %q", cfg.Path)
	}
	if cfg.Storage.Engine != StorageEngineFile {
		t.Errorf("Engine = %q, want file", cfg.Storage.Engine)
	}
	if cfg.Storage.ObjectCacheSize <= 0 {
		t.Error("ObjectCacheSize not set")
	}
	if cfg.Merge.Policy != "manual" {
		t.Errorf("Policy = %q, want manual", cfg.Merge.Policy)
	}
	if cfg.Sync.Enabled {
		t.Error("sync enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"file engine without path", func(c *Config) { c.Path = "" }, true},
		{"memory engine without path", func(c *Config) {
			c.Path = ""
			c.Storage.Engine = StorageEngineMemory
		}, false},
		{"sqlite engine without path", func(c *Config) {
			c.Path = ""
			c.Storage.Engine = StorageEngineSQLite
		}, true},
		{"sqlite path in storage section", func(c *Config) {
			c.Path = ""
			c.Storage.Engine = StorageEngineSQLite
			sqlite := DefaultSQLiteBackendConfig()
			sqlite.Path = "/tmp/ledger.db"
			c.Storage.SQLite = &sqlite
		}, false},
		{"s3 engine without bucket", func(c *Config) {
			c.Storage.Engine = StorageEngineS3
		}, true},
		{"unknown engine", func(c *Config) {
			c.Storage.Engine = "tape"
		}, true},
		{"unknown merge policy", func(c *Config) {
			c.Merge.Policy = "coin-flip"
		}, true},
		{"lww policy", func(c *Config) {
			c.Merge.Policy = "lww"
		}, false},
		{"encryption enabled without key", func(c *Config) {
			c.Encryption = &EncryptionConfig{Enabled: true}
		}, true},
		{"explicit backend skips engine checks", func(c *Config) {
			c.Path = ""
			c.Backend = NewMemoryBackend()
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig("/tmp/ledger-data")
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("Validate accepted an invalid config")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Validate rejected a valid config: %v", err)
			}
		})
	}
}

func TestParseMergePolicy(t *testing.T) {
	cases := []struct {
		name string
		want MergePolicy
	}{
		{"", MergeManual},
		{"manual", MergeManual},
		{"last_writer_wins", MergeLastWriterWins},
		{"lww", MergeLastWriterWins},
		{"custom", MergeCustom},
	}
	for _, tc := range cases {
		got, err := ParseMergePolicy(tc.name)
		if err != nil || got != tc.want {
			t.Errorf("ParseMergePolicy(%q) = %v, %v", tc.name, got, err)
		}
	}
	if _, err := ParseMergePolicy("newest"); err == nil {
		t.Error("unknown policy accepted")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	raw := `
path: /var/lib/ledger
storage:
  engine: sqlite
  object_cache_size: 64
merge:
  policy: last_writer_wins
sync:
  enabled: true
  poll_interval: 5s
  upload_batch_size: 10
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Path != "/var/lib/ledger" {
		t.Errorf("Path = %q", cfg.Path)
	}
	if cfg.Storage.Engine != StorageEngineSQLite {
		t.Errorf("Engine = %q, want sqlite", cfg.Storage.Engine)
	}
	if cfg.Storage.ObjectCacheSize != 64 {
		t.Errorf("ObjectCacheSize = %d, want 64", cfg.Storage.ObjectCacheSize)
	}
	if cfg.Merge.Policy != "last_writer_wins" {
		t.Errorf("Policy = %q", cfg.Merge.Policy)
	}
	if !cfg.Sync.Enabled {
		t.Error("sync not enabled")
	}
	if cfg.Sync.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.Sync.PollInterval)
	}
	if cfg.Sync.UploadBatchSize != 10 {
		t.Errorf("UploadBatchSize = %d, want 10", cfg.Sync.UploadBatchSize)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Sync.RetryInterval != DefaultSyncConfig().RetryInterval {
		t.Errorf("RetryInterval = %v, want default", cfg.Sync.RetryInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig succeeded on a missing file")
	}
}
