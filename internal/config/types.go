package config

import (
	"time"

	"github.com/fabian4/gateway-core-go/internal/model"
)

// rawConfig mirrors the YAML document. Durations are strings so an empty
// value can mean "use the default".
type rawConfig struct {
	Listen struct {
		Address string `yaml:"address"`
		H2C     bool   `yaml:"h2c"`
	} `yaml:"listen"`
	Logging struct {
		Level          string   `yaml:"level"`
		Format         string   `yaml:"format"`
		Output         string   `yaml:"output"`
		AccessSampling *float64 `yaml:"access_sampling"`
	} `yaml:"logging"`
	Timeouts struct {
		Read       string `yaml:"read"`
		ReadHeader string `yaml:"read_header"`
		Write      string `yaml:"write"`
		Idle       string `yaml:"idle"`
		Shutdown   string `yaml:"shutdown"`
	} `yaml:"timeouts"`
	Transport struct {
		Dial                string `yaml:"dial"`
		MaxIdleConns        int    `yaml:"max_idle_conns"`
		MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host"`
		MaxConnsPerHost     int    `yaml:"max_conns_per_host"`
		IdleConn            string `yaml:"idle_conn"`
		ResponseHeader      string `yaml:"response_header"`
		InsecureSkipVerify  bool   `yaml:"insecure_skip_verify"`
	} `yaml:"transport"`
	LoadBalancer struct {
		AllUnhealthy string `yaml:"all_unhealthy"`
	} `yaml:"load_balancer"`
	Passive struct {
		MaxFailures int    `yaml:"max_failures"`
		Cooldown    string `yaml:"cooldown"`
	} `yaml:"passive"`
	HealthCheck struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
		Rise     int    `yaml:"rise"`
		Fall     int    `yaml:"fall"`
	} `yaml:"health_check"`
	Forward struct {
		HeaderAllow    []string `yaml:"header_allow"`
		HeaderStrip    []string `yaml:"header_strip"`
		ResponseStrip  []string `yaml:"response_strip"`
		MaxReplayBytes int64    `yaml:"max_replay_bytes"`
	} `yaml:"forward"`
	Compression struct {
		Enabled *bool `yaml:"enabled"`
		MinSize int   `yaml:"min_size"`
		Level   int   `yaml:"level"`
	} `yaml:"compression"`
	Defaults struct {
		Resilience rawResilience `yaml:"resilience"`
	} `yaml:"defaults"`
	Services []rawService `yaml:"services"`
	Routes   []rawRoute   `yaml:"routes"`
}

type rawService struct {
	Name       string   `yaml:"name"`
	Proto      string   `yaml:"proto"`
	Endpoints  []string `yaml:"endpoints"`
	HealthPath string   `yaml:"health_path"`
	TLS        *rawTLS  `yaml:"tls"`
}

// rawTLS configures a service's dedicated downstream TLS transport.
type rawTLS struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type rawRoute struct {
	Name         string        `yaml:"name"`
	Template     string        `yaml:"template"`
	Methods      []string      `yaml:"methods"`
	Service      string        `yaml:"service"`
	Priority     int           `yaml:"priority"`
	PreserveHost bool          `yaml:"preserve_host"`
	HostRewrite  string        `yaml:"host_rewrite"`
	Resilience   rawResilience `yaml:"resilience"`
}

// rawResilience fields are optional; unset fields inherit from defaults.
type rawResilience struct {
	Timeout        string  `yaml:"timeout"`
	MaxRetries     *int    `yaml:"max_retries"`
	Backoff        string  `yaml:"backoff"`
	BaseDelay      string  `yaml:"base_delay"`
	MaxDelay       string  `yaml:"max_delay"`
	Jitter         *uint64 `yaml:"jitter"`
	CircuitBreaker struct {
		Enabled      *bool    `yaml:"enabled"`
		Window       string   `yaml:"window"`
		MinRequests  *uint32  `yaml:"min_requests"`
		FailureRatio *float64 `yaml:"failure_ratio"`
		OpenDuration string   `yaml:"open_duration"`
	} `yaml:"circuit_breaker"`
	RetryBudget struct {
		PerSecond *float64 `yaml:"per_second"`
		Burst     *int     `yaml:"burst"`
	} `yaml:"retry_budget"`
}

// Config is the normalized, validated configuration.
type Config struct {
	Listen       Listen
	Logging      Logging
	Timeouts     Timeouts
	Transport    Transport
	AllUnhealthy string // "fail_fast" | "best_effort"
	Passive      Passive
	HealthCheck  HealthCheck
	Forward      Forward
	Compression  Compression
	Services     map[string]model.Service
	Routes       []model.Route

	// Fingerprint changes only when the effective document changes.
	Fingerprint uint64
	// Files lists the documents merged into this config, base first.
	Files []string
}

type Listen struct {
	Address string
	H2C     bool
}

type Logging struct {
	Level          string
	Format         string
	Output         string
	AccessSampling float64
}

type Timeouts struct {
	Read       time.Duration
	ReadHeader time.Duration
	Write      time.Duration
	Idle       time.Duration
	Shutdown   time.Duration
}

type Transport struct {
	Dial                time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConn            time.Duration
	ResponseHeader      time.Duration
	InsecureSkipVerify  bool
}

type Passive struct {
	MaxFailures int
	Cooldown    time.Duration
}

type HealthCheck struct {
	Interval time.Duration
	Timeout  time.Duration
	Rise     int
	Fall     int
}

// Compression is read once at startup; reloads do not change it.
type Compression struct {
	Enabled bool
	MinSize int
	Level   int
}

type Forward struct {
	HeaderAllow    []string
	HeaderStrip    []string
	ResponseStrip  []string
	MaxReplayBytes int64
}
