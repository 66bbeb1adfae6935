package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/sentinel/pkg/types"
)

type Config struct {
	ListenAddr    string          `yaml:"listen_addr"`
	PolicyPath    string          `yaml:"policy_path"`
	ExecutionMode string          `yaml:"execution_mode"`
	Target        TargetConfig    `yaml:"target"`
	DB            DBConfig        `yaml:"db"`
	Redis         RedisConfig     `yaml:"redis"`
	Incidents     IncidentsConfig `yaml:"incidents"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Log           LogConfig       `yaml:"log"`
}

type TargetConfig struct {
	ID                  string `yaml:"id"`
	Owner               string `yaml:"owner"`
	AuthorizedSubmitter string `yaml:"authorized_submitter"`
	InitialMode         int    `yaml:"initial_mode"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LockTTL  string `yaml:"lock_ttl"`
}

type IncidentsConfig struct {
	Dir      string `yaml:"dir"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

type AuthConfig struct {
	DevToken    string `yaml:"dev_token"`
	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("policy_path is required")
	}
	if c.Target.ID == "" {
		return fmt.Errorf("target.id is required")
	}
	if strings.Contains(c.Target.ID, "|") {
		return fmt.Errorf("target.id must not contain '|'")
	}
	if c.Target.Owner == "" {
		return fmt.Errorf("target.owner is required")
	}
	if c.Target.AuthorizedSubmitter == "" {
		return fmt.Errorf("target.authorized_submitter is required")
	}
	if c.Target.InitialMode < 0 || c.Target.InitialMode > 2 {
		return fmt.Errorf("target.initial_mode must be 0, 1 or 2")
	}

	if c.DB.Driver != "" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when db.driver is set")
	}
	switch c.DB.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("db.driver must be sqlite or postgres, got %q", c.DB.Driver)
	}

	if c.Redis.LockTTL != "" {
		if _, err := time.ParseDuration(c.Redis.LockTTL); err != nil {
			return fmt.Errorf("redis.lock_ttl: %w", err)
		}
	}
	if c.Incidents.S3Bucket != "" && c.Incidents.S3Region == "" {
		return fmt.Errorf("incidents.s3_region is required when incidents.s3_bucket is set")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must be >= 0")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// Mode normalizes execution_mode. DRY_RUN is accepted as SHADOW.
func (c Config) Mode() types.ExecutionMode {
	return types.NormalizeExecutionMode(c.ExecutionMode)
}

// LockTTL returns the Redis lock TTL, defaulting to 10s.
func (c Config) LockTTL() time.Duration {
	if d, err := time.ParseDuration(c.Redis.LockTTL); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}
