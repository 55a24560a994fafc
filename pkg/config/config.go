package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Provider is the interface for obtaining configuration.
// Consumers should depend on this interface rather than calling the global Get() directly.
type Provider interface {
	GetConfig() *Config
}

// GlobalProvider implements Provider using the package-level singleton.
type GlobalProvider struct{}

func (GlobalProvider) GetConfig() *Config { return Get() }

// StaticProvider implements Provider with a fixed config value, useful for testing.
type StaticProvider struct {
	Cfg *Config
}

func (p *StaticProvider) GetConfig() *Config { return p.Cfg }

type Config struct {
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type OrchestratorConfig struct {
	ModuleDir        string        `mapstructure:"module_dir"`                   // Directory where vulnerability module descriptors live
	DBPath           string        `mapstructure:"db_path"`                      // Path to the database file
	PublicHost       string        `mapstructure:"public_host"`                  // Hostname users reach deployed machines on
	DockerBinary     string        `mapstructure:"docker_binary,omitempty"`      // Container engine binary (default: docker)
	PortRangeStart   int           `mapstructure:"port_range_start,omitempty"`   // First host port tried by the allocator (default: 8000)
	PortMaxAttempts  int           `mapstructure:"port_max_attempts,omitempty"`  // Candidate ports tried before giving up (default: 100)
	PortProbeTimeout time.Duration `mapstructure:"port_probe_timeout,omitempty"` // Timeout for the container-engine port listing (default: 5s)
	BuildTimeout     time.Duration `mapstructure:"build_timeout,omitempty"`      // Timeout for a single image build (default: 3m)
	RunTimeout       time.Duration `mapstructure:"run_timeout,omitempty"`        // Timeout for a single container start (default: 30s)
	RunGracePeriod   time.Duration `mapstructure:"run_grace_period,omitempty"`   // How long a fresh container must stay up (default: 10s)
	StopTimeout      time.Duration `mapstructure:"stop_timeout,omitempty"`       // Timeout for container stop/remove (default: 30s)
	DeployTimeout    time.Duration `mapstructure:"deploy_timeout,omitempty"`     // Ceiling on a full machine deployment (default: 5m)
	MachineTTL       time.Duration `mapstructure:"machine_ttl,omitempty"`        // Auto-stop running machines after this long; 0 disables
	Redis            RedisConfig   `mapstructure:"redis"`                        // Redis configuration for the deploy job queue
	NumWorkers       int           `mapstructure:"num_workers,omitempty"`        // Number of deploy workers when Redis is configured (default: 10)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // Redis address (e.g., "localhost:6379")
	Password string `mapstructure:"password"` // Redis password (optional)
	DB       int    `mapstructure:"db"`       // Redis database number (default: 0)
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load() error {
	zap.S().Infof("Loading config from %s", viper.ConfigFileUsed())
	mu.Lock()
	defer mu.Unlock()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	applyDefaults(cfg)
	zap.S().Info("Config loaded successfully")
	current = cfg
	return nil
}

func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Reload() error {
	return Load()
}

func applyDefaults(cfg *Config) {
	o := &cfg.Orchestrator
	if o.DockerBinary == "" {
		o.DockerBinary = "docker"
	}
	if o.PortRangeStart == 0 {
		o.PortRangeStart = 8000
	}
	if o.PortMaxAttempts == 0 {
		o.PortMaxAttempts = 100
	}
	if o.PortProbeTimeout == 0 {
		o.PortProbeTimeout = 5 * time.Second
	}
	if o.BuildTimeout == 0 {
		o.BuildTimeout = 3 * time.Minute
	}
	if o.RunTimeout == 0 {
		o.RunTimeout = 30 * time.Second
	}
	if o.RunGracePeriod == 0 {
		o.RunGracePeriod = 10 * time.Second
	}
	if o.StopTimeout == 0 {
		o.StopTimeout = 30 * time.Second
	}
	if o.DeployTimeout == 0 {
		o.DeployTimeout = 5 * time.Minute
	}
}

func LoadDefaults() error {
	mu.Lock()
	defer mu.Unlock()

	cfg := &Config{
		Auth: AuthConfig{
			JWTSecret: "defaultsecret",
		},
		Orchestrator: OrchestratorConfig{
			ModuleDir:  "/opt/cyberforge/modules",
			PublicHost: "localhost",
		},
	}
	applyDefaults(cfg)
	current = cfg
	return nil
}
