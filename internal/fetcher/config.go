package fetcher

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator"
	"gopkg.in/yaml.v3"
)

// Duration decodes YAML strings like "15m" via time.ParseDuration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// WorkerConfig declares one post fetch worker: its shard, its own rate
// budget, and the env var holding its API credential.
type WorkerConfig struct {
	Name           string   `yaml:"name" validate:"required"`
	ShardIndex     int      `yaml:"shardIndex" validate:"min=0"`
	ShardTotal     int      `yaml:"shardTotal" validate:"required,min=1"`
	BearerTokenEnv string   `yaml:"bearerTokenEnv" validate:"required"`
	RateBudget     int      `yaml:"rateBudget" validate:"required,min=1"`
	RateWindow     Duration `yaml:"rateWindow" validate:"required"`

	// Zero disables the cap.
	MaxPagesPerEntity int `yaml:"maxPagesPerEntity" validate:"min=0"`
	MaxEntitiesPerRun int `yaml:"maxEntitiesPerRun" validate:"min=0"`
	MaxPostsPerEntity int `yaml:"maxPostsPerEntity" validate:"min=0"`
}

// Config is the multi-worker declaration the orchestrator launches.
type Config struct {
	Workers []WorkerConfig `yaml:"workers" validate:"required,min=1,dive"`
}

// LoadConfig reads and validates a YAML worker declaration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worker config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML worker declaration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse worker config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	for _, worker := range cfg.Workers {
		if worker.ShardIndex >= worker.ShardTotal {
			return nil, fmt.Errorf("worker %q: shard index %d out of range for %d shards",
				worker.Name, worker.ShardIndex, worker.ShardTotal)
		}
	}
	return &cfg, nil
}
