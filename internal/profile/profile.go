package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/hrygo/kvtier/plugin/placement"
)

// EnvPrefix prefixes every environment override, e.g. KVTIER_SERVER_ADDR.
const EnvPrefix = "KVTIER"

// Tier drivers.
const (
	DriverMemory = "memory"
	DriverDisk   = "disk"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverS3     = "s3"
)

// Profile is the configuration to start kvtier.
type Profile struct {
	// Mode can be "prod" or "dev"
	Mode string `mapstructure:"mode"`
	// Data is the directory disk and sqlite tiers default into.
	Data string `mapstructure:"data"`

	Tiers      []TierConfig     `mapstructure:"tiers"`
	Heuristic  HeuristicConfig  `mapstructure:"heuristic"`
	Controller ControllerConfig `mapstructure:"controller"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Redis      RedisConfig      `mapstructure:"redis"`
	S3         S3Config         `mapstructure:"s3"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
}

// TierConfig declares one cache tier. Order in the list is priority order.
type TierConfig struct {
	Name   string        `mapstructure:"name"`
	Driver string        `mapstructure:"driver"`
	TTL    time.Duration `mapstructure:"ttl"`
	// Capacity bounds a memory tier; 0 means unbounded.
	Capacity int `mapstructure:"capacity"`
	// Path is the directory of a disk tier or the file of a sqlite tier.
	Path string `mapstructure:"path"`
}

type HeuristicConfig struct {
	BaseTTL                float64 `mapstructure:"base_ttl"`
	MinTTL                 int     `mapstructure:"min_ttl"`
	MaxTTL                 int     `mapstructure:"max_ttl"`
	Alpha                  float64 `mapstructure:"alpha"`
	Gamma                  float64 `mapstructure:"gamma"`
	PerplexityFloor        float64 `mapstructure:"perplexity_floor"`
	PerplexityScale        float64 `mapstructure:"perplexity_scale"`
	HotThresholdSeconds    int     `mapstructure:"hot_threshold_seconds"`
	EnableRemote           bool    `mapstructure:"enable_remote"`
	RemoteThresholdSeconds int     `mapstructure:"remote_threshold_seconds"`
}

// Params converts the section to heuristic parameters.
func (h HeuristicConfig) Params() placement.Params {
	return placement.Params{
		BaseTTL:                h.BaseTTL,
		MinTTL:                 h.MinTTL,
		MaxTTL:                 h.MaxTTL,
		Alpha:                  h.Alpha,
		Gamma:                  h.Gamma,
		PerplexityFloor:        h.PerplexityFloor,
		PerplexityScale:        h.PerplexityScale,
		HotThresholdSeconds:    h.HotThresholdSeconds,
		EnableRemote:           h.EnableRemote,
		RemoteThresholdSeconds: h.RemoteThresholdSeconds,
	}
}

type ControllerConfig struct {
	URL        string        `mapstructure:"url"`
	EngineURL  string        `mapstructure:"engine_url"`
	Model      string        `mapstructure:"model"`
	InstanceID string        `mapstructure:"instance_id"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// MoveRate caps moves per second; 0 disables the limit.
	MoveRate  float64 `mapstructure:"move_rate"`
	MoveBurst int     `mapstructure:"move_burst"`
	// Locations maps heuristic tiers (gpu, disk, remote) to controller location names.
	Locations map[string]string `mapstructure:"locations"`

	// Process launch settings for "kvtier controller start".
	Python     string `mapstructure:"python"`
	ConfigPath string `mapstructure:"config_path"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	LogPath    string `mapstructure:"log_path"`
	PIDFile    string `mapstructure:"pid_file"`
}

type EngineConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
	PoolSize  int    `mapstructure:"pool_size"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	StorageClass string `mapstructure:"storage_class"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// RateLimit caps requests per second per client IP; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// NewViper returns a viper instance carrying every default and reading
// KVTIER_* environment overrides (dots in keys become underscores).
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	params := placement.DefaultParams()

	v.SetDefault("mode", "dev")
	v.SetDefault("data", ".kvtier")

	v.SetDefault("tiers", []map[string]any{
		{"name": "hot", "driver": DriverMemory, "ttl": "10s"},
		{"name": "warm", "driver": DriverDisk, "ttl": "60s"},
		{"name": "cold", "driver": DriverSQLite, "ttl": "1h"},
	})

	v.SetDefault("heuristic.base_ttl", params.BaseTTL)
	v.SetDefault("heuristic.min_ttl", params.MinTTL)
	v.SetDefault("heuristic.max_ttl", params.MaxTTL)
	v.SetDefault("heuristic.alpha", params.Alpha)
	v.SetDefault("heuristic.gamma", params.Gamma)
	v.SetDefault("heuristic.perplexity_floor", params.PerplexityFloor)
	v.SetDefault("heuristic.perplexity_scale", params.PerplexityScale)
	v.SetDefault("heuristic.hot_threshold_seconds", params.HotThresholdSeconds)
	v.SetDefault("heuristic.enable_remote", params.EnableRemote)
	v.SetDefault("heuristic.remote_threshold_seconds", params.RemoteThresholdSeconds)

	v.SetDefault("controller.url", "http://127.0.0.1:9000")
	v.SetDefault("controller.engine_url", "http://127.0.0.1:8000")
	v.SetDefault("controller.model", "gemma-3-270m")
	v.SetDefault("controller.instance_id", "lmcache_instance")
	v.SetDefault("controller.timeout", "5s")
	v.SetDefault("controller.move_rate", 0)
	v.SetDefault("controller.move_burst", 1)
	v.SetDefault("controller.locations", map[string]string{})
	v.SetDefault("controller.python", "python3")
	v.SetDefault("controller.config_path", "config.yaml")
	v.SetDefault("controller.host", "127.0.0.1")
	v.SetDefault("controller.port", 9000)
	v.SetDefault("controller.log_path", "controller.log")
	v.SetDefault("controller.pid_file", "controller.pid")

	v.SetDefault("engine.enabled", false)
	v.SetDefault("engine.base_url", "http://127.0.0.1:8000/v1")
	v.SetDefault("engine.model", "gemma-3-270m")
	v.SetDefault("engine.api_key", "EMPTY")
	v.SetDefault("engine.max_tokens", 256)
	v.SetDefault("engine.temperature", 0)
	v.SetDefault("engine.timeout", "2m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "kvtier")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "kv/")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.storage_class", "")

	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configFile (if set, otherwise kvtier.yaml in the working
// directory or $HOME/.kvtier when present) on top of v's defaults, env and
// bound flags. A missing default config file is not an error.
func Load(v *viper.Viper, configFile string) (*Profile, error) {
	if v == nil {
		v = NewViper()
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("kvtier")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.kvtier")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	p := &Profile{}
	if err := v.Unmarshal(p); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if used := v.ConfigFileUsed(); used != "" {
		slog.Debug("loaded config file", slog.String("path", used))
	}
	return p, nil
}

// Validate normalizes defaults and rejects configurations that cannot start.
func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	if len(p.Tiers) == 0 {
		return errors.New("at least one tier is required")
	}

	seen := make(map[string]bool, len(p.Tiers))
	needsData := false
	for i := range p.Tiers {
		t := &p.Tiers[i]
		t.Driver = strings.ToLower(t.Driver)
		if t.Name == "" {
			t.Name = fmt.Sprintf("%s%d", t.Driver, i)
		}
		if seen[t.Name] {
			return errors.Errorf("duplicate tier name %q", t.Name)
		}
		seen[t.Name] = true

		switch t.Driver {
		case DriverMemory, DriverRedis:
		case DriverDisk, DriverSQLite:
			needsData = needsData || t.Path == ""
		case DriverS3:
			if p.S3.Bucket == "" {
				return errors.Errorf("tier %s: s3.bucket is required", t.Name)
			}
		default:
			return errors.Errorf("tier %s: unsupported driver %q", t.Name, t.Driver)
		}
		if t.TTL < 0 {
			return errors.Errorf("tier %s: ttl must not be negative", t.Name)
		}
	}

	if p.Heuristic.MaxTTL < p.Heuristic.MinTTL {
		slog.Warn("heuristic max_ttl below min_ttl, raising it",
			slog.Int("min_ttl", p.Heuristic.MinTTL),
			slog.Int("max_ttl", p.Heuristic.MaxTTL),
		)
		p.Heuristic.MaxTTL = p.Heuristic.MinTTL
	}

	for tier := range p.Controller.Locations {
		switch placement.Tier(tier) {
		case placement.TierHot, placement.TierWarm, placement.TierCold:
		default:
			return errors.Errorf("controller.locations: unknown tier %q", tier)
		}
	}

	switch strings.ToLower(p.Log.Format) {
	case "", "text", "json":
	default:
		return errors.Errorf("unsupported log format %q", p.Log.Format)
	}

	if needsData {
		dataDir, err := ensureDataDir(p.Data)
		if err != nil {
			slog.Error("failed to prepare data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
			return err
		}
		p.Data = dataDir
		for i := range p.Tiers {
			t := &p.Tiers[i]
			if t.Path != "" {
				continue
			}
			switch t.Driver {
			case DriverDisk:
				t.Path = filepath.Join(dataDir, t.Name)
			case DriverSQLite:
				t.Path = filepath.Join(dataDir, fmt.Sprintf("kvtier_%s.db", t.Name))
			}
		}
	}
	return nil
}

// LogLevel parses Log.Level, falling back to info.
func (p *Profile) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(p.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func ensureDataDir(dataDir string) (string, error) {
	if dataDir == "" {
		dataDir = ".kvtier"
	}
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return "", errors.Wrapf(err, "unable to resolve data folder %s", dataDir)
	}
	abs = strings.TrimRight(abs, "\\/")
	if err := os.MkdirAll(abs, 0o770); err != nil {
		return "", errors.Wrapf(err, "unable to create data folder %s", abs)
	}
	return abs, nil
}
