// Package config loads the tap's YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HonestMajority/lana-bank/postgres"
	"github.com/HonestMajority/lana-bank/tap"
)

const (
	StateDynamoDB = "dynamodb"
	StateRedis    = "redis"

	SinkSQS    = "sqs"
	SinkPubSub = "pubsub"
)

type Config struct {
	Postgres postgres.Config `yaml:"postgres"`
	Tap      Tap             `yaml:"tap"`
	State    State           `yaml:"state"`
	Sink     Sink            `yaml:"sink"`
	Log      Log             `yaml:"log"`
	AWS      AWS             `yaml:"aws"`
}

type Tap struct {
	Stream             string    `yaml:"stream"`
	StartDate          time.Time `yaml:"start_date"`
	PublishConcurrency int       `yaml:"publish_concurrency"`
}

type State struct {
	Backend  string   `yaml:"backend"`
	DynamoDB DynamoDB `yaml:"dynamodb"`
	Redis    Redis    `yaml:"redis"`
}

type DynamoDB struct {
	Table                string `yaml:"table"`
	SkipSchemaValidation bool   `yaml:"skip_schema_validation"`
}

type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type Sink struct {
	Backend string `yaml:"backend"`
	SQS     SQS    `yaml:"sqs"`
	PubSub  PubSub `yaml:"pubsub"`
}

type SQS struct {
	Queue            string        `yaml:"queue"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	MaxRetryBackoff  time.Duration `yaml:"max_retry_backoff"`
}

type PubSub struct {
	Project string `yaml:"project"`
	Topic   string `yaml:"topic"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AWS struct {
	Region string `yaml:"region"`
}

// envRef matches the braced ${VAR} form only. Bare $ is left as written so
// secrets such as "pa$word" survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the file at path. ${VAR} references are expanded from the
// environment before parsing; unset variables expand to the empty string.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes a configuration document, applies defaults and validates it.
// Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(raw)))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

func (c *Config) applyDefaults() {
	if c.Tap.Stream == "" {
		c.Tap.Stream = tap.DefaultStream
	}

	if c.Tap.PublishConcurrency == 0 {
		c.Tap.PublishConcurrency = 1
	}

	if c.State.Backend == "" {
		c.State.Backend = StateDynamoDB
	}

	if c.Sink.Backend == "" {
		c.Sink.Backend = SinkSQS
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if c.Tap.PublishConcurrency < 1 {
		errs = append(errs, fmt.Errorf("tap.publish_concurrency must be at least 1, got %d", c.Tap.PublishConcurrency))
	}

	switch c.State.Backend {
	case StateDynamoDB:
		if c.State.DynamoDB.Table == "" {
			errs = append(errs, errors.New("state.dynamodb.table is required"))
		}
	case StateRedis:
		if c.State.Redis.Addr == "" {
			errs = append(errs, errors.New("state.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown state backend %q", c.State.Backend))
	}

	switch c.Sink.Backend {
	case SinkSQS:
		if c.Sink.SQS.Queue == "" {
			errs = append(errs, errors.New("sink.sqs.queue is required"))
		}
	case SinkPubSub:
		if c.Sink.PubSub.Project == "" {
			errs = append(errs, errors.New("sink.pubsub.project is required"))
		}
		if c.Sink.PubSub.Topic == "" {
			errs = append(errs, errors.New("sink.pubsub.topic is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink backend %q", c.Sink.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}

// UsesAWS reports whether any selected backend needs AWS credentials.
func (c *Config) UsesAWS() bool {
	return c.State.Backend == StateDynamoDB || c.Sink.Backend == SinkSQS
}
