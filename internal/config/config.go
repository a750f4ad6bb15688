package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	// DefaultFileSetTimeout bounds a single file set when neither the
	// pipeline nor the command line sets one.
	DefaultFileSetTimeout = time.Hour

	EnvPrefix = "STAGEHAND"
)

// Config holds application settings. Zero values for Workers,
// MinFileSetsInBatch and FileSetTimeout defer to the pipeline definition.
type Config struct {
	DataDir            string         `mapstructure:"data_dir" validate:"required"`
	DbPath             string         `mapstructure:"db_path" validate:"required"`
	PipelineFile       string         `mapstructure:"pipeline" validate:"required"`
	Workers            int            `mapstructure:"workers" validate:"gte=0"`
	MinFileSetsInBatch int            `mapstructure:"min_file_sets_in_batch" validate:"gte=0"`
	SingleSetBatches   bool           `mapstructure:"single_set_batches"`
	FileSetTimeout     time.Duration  `mapstructure:"file_set_timeout" validate:"gte=0"`
	MetricsFile        string         `mapstructure:"metrics_file"`
	OTLPEndpoint       string         `mapstructure:"otlp_endpoint"`
	Sink               SinkConfig     `mapstructure:"sink"`
	Log                LogConfig      `mapstructure:"log"`
	Temporal           TemporalConfig `mapstructure:"temporal"`
}

type SinkConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=duckdb postgres"`
	// DSN is a file path for duckdb (empty shares the ledger database) and a
	// connection string for postgres.
	DSN      string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
	Output string `mapstructure:"output" validate:"required"`
}

type TemporalConfig struct {
	Address   string `mapstructure:"address" validate:"required"`
	Namespace string `mapstructure:"namespace" validate:"required"`
	TaskQueue string `mapstructure:"task_queue" validate:"required"`
}

// SetDefaults registers every key on v so that environment variables resolve
// even when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("db_path", "./stagehand.duckdb")
	v.SetDefault("pipeline", "./pipeline.yaml")
	v.SetDefault("workers", 0)
	v.SetDefault("min_file_sets_in_batch", 0)
	v.SetDefault("single_set_batches", false)
	v.SetDefault("file_set_timeout", time.Duration(0))
	v.SetDefault("metrics_file", "")
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("sink.driver", "duckdb")
	v.SetDefault("sink.dsn", "")
	v.SetDefault("sink.max_conns", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("temporal.address", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "stagehand")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the optional config file into v, then unmarshals and validates.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every failing field at once.
func Validate(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}

// Effective resolves the knobs the command line may override.
type Effective struct {
	Workers            int
	MinFileSetsInBatch int
	FileSetTimeout     time.Duration
}

// Resolve merges cfg over p. Command-line values win when set.
func Resolve(cfg Config, p Pipeline) Effective {
	e := Effective{
		Workers:            p.MaxProcessTasks,
		MinFileSetsInBatch: p.MinFileSetsInBatch,
		FileSetTimeout:     p.FileSetTimeout,
	}
	if cfg.Workers > 0 {
		e.Workers = cfg.Workers
	}
	if cfg.MinFileSetsInBatch > 0 {
		e.MinFileSetsInBatch = cfg.MinFileSetsInBatch
	}
	if cfg.SingleSetBatches {
		e.MinFileSetsInBatch = 1
	}
	if cfg.FileSetTimeout > 0 {
		e.FileSetTimeout = cfg.FileSetTimeout
	}
	if e.FileSetTimeout <= 0 {
		e.FileSetTimeout = DefaultFileSetTimeout
	}
	return e
}
