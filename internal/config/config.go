// Package config loads process configuration from the environment, with an
// optional .env file applied first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadDotEnv applies the given .env files without overriding variables that
// are already set. Missing files are skipped; it reports whether any file was
// loaded.
func LoadDotEnv(paths ...string) (bool, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	loaded := false
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("load %s: %w", path, err)
		}
		loaded = true
	}
	return loaded, nil
}

const (
	devJWTSecret          = "dev-secret"
	devInternalHMACSecret = "dev-internal-secret"
)

// Security holds the shared secrets of the HTTP surface. The built-in
// development secrets are refused unless DevSecrets is set.
type Security struct {
	DevSecrets         bool          `env:"FIELDALERT_DEV_SECRETS"`
	JWTSecret          string        `env:"FIELDALERT_JWT_SECRET" envDefault:"dev-secret"`
	InternalHMACSecret string        `env:"FIELDALERT_INTERNAL_HMAC_SECRET" envDefault:"dev-internal-secret"`
	InternalMaxSkew    time.Duration `env:"FIELDALERT_INTERNAL_MAX_SKEW" envDefault:"5m"`
	RateLimitMax       int           `env:"FIELDALERT_RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitWindow    time.Duration `env:"FIELDALERT_RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxBodyBytes       int64         `env:"FIELDALERT_MAX_BODY_BYTES" envDefault:"1048576"`
}

type Relay struct {
	Addr            string        `env:"FIELDALERT_RELAY_ADDR" envDefault:":8090"`
	StorageProfile  string        `env:"FIELDALERT_STORAGE_PROFILE"`
	DataDir         string        `env:"FIELDALERT_DATA_DIR" envDefault:".fieldalert"`
	ProductionDSN   string        `env:"FIELDALERT_PRODUCTION_DSN"`
	DirectoryDSN    string        `env:"FIELDALERT_DIRECTORY_DSN"`
	ChangesDSN      string        `env:"FIELDALERT_CHANGES_DSN"`
	ChangesChannel  string        `env:"FIELDALERT_CHANGES_CHANNEL" envDefault:"fieldalert_changes"`
	ShutdownTimeout time.Duration `env:"FIELDALERT_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	Security        Security
}

type Agent struct {
	Addr              string        `env:"FIELDALERT_AGENT_ADDR" envDefault:"127.0.0.1:8091"`
	RelayURL          string        `env:"FIELDALERT_RELAY_URL" envDefault:"http://127.0.0.1:8090"`
	RelayToken        string        `env:"FIELDALERT_RELAY_TOKEN"`
	UserID            string        `env:"FIELDALERT_USER_ID"`
	AppOrigin         string        `env:"FIELDALERT_APP_ORIGIN" envDefault:"http://localhost:3000"`
	StorageProfile    string        `env:"FIELDALERT_STORAGE_PROFILE" envDefault:"durable-local"`
	DataDir           string        `env:"FIELDALERT_DATA_DIR" envDefault:".fieldalert"`
	ProductionDSN     string        `env:"FIELDALERT_PRODUCTION_DSN"`
	DurableDSN        string        `env:"FIELDALERT_DURABLE_DSN"`
	SessionDSN        string        `env:"FIELDALERT_SESSION_DSN"`
	CacheDir          string        `env:"FIELDALERT_CACHE_DIR"`
	CacheManifest     string        `env:"FIELDALERT_CACHE_MANIFEST"`
	WatchManifest     bool          `env:"FIELDALERT_WATCH_MANIFEST" envDefault:"true"`
	ProbeURL          string        `env:"FIELDALERT_PROBE_URL"`
	SampleInterval    time.Duration `env:"FIELDALERT_SAMPLE_INTERVAL" envDefault:"5s"`
	PollInterval      time.Duration `env:"FIELDALERT_POLL_INTERVAL" envDefault:"5m"`
	SweepInterval     time.Duration `env:"FIELDALERT_SWEEP_INTERVAL" envDefault:"1h"`
	ReconnectDelay    time.Duration `env:"FIELDALERT_RECONNECT_DELAY" envDefault:"2s"`
	ReconnectJitter   float64       `env:"FIELDALERT_RECONNECT_JITTER" envDefault:"0.2"`
	Language          string        `env:"FIELDALERT_LANGUAGE" envDefault:"fr"`
	TimeZone          string        `env:"FIELDALERT_TIMEZONE" envDefault:"Europe/Paris"`
	RealtimeDisabled  bool          `env:"FIELDALERT_REALTIME_DISABLED"`
	RequestTimeout    time.Duration `env:"FIELDALERT_REQUEST_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout   time.Duration `env:"FIELDALERT_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RecentAlertsLimit int           `env:"FIELDALERT_RECENT_ALERTS" envDefault:"50"`
	Security          Security
}

func (s Security) Validate() error {
	if s.DevSecrets {
		return nil
	}
	if secret := strings.TrimSpace(s.JWTSecret); secret == "" || secret == devJWTSecret {
		return errors.New("FIELDALERT_JWT_SECRET must be set to a non-default value (FIELDALERT_DEV_SECRETS=true allows the development secret)")
	}
	if secret := strings.TrimSpace(s.InternalHMACSecret); secret == "" || secret == devInternalHMACSecret {
		return errors.New("FIELDALERT_INTERNAL_HMAC_SECRET must be set to a non-default value (FIELDALERT_DEV_SECRETS=true allows the development secret)")
	}
	return nil
}

func (c Relay) Validate() error {
	return c.Security.Validate()
}

func LoadRelay() (Relay, error) {
	var cfg Relay
	if err := ParseEnv(&cfg); err != nil {
		return Relay{}, err
	}
	return cfg, nil
}

func LoadAgent() (Agent, error) {
	var cfg Agent
	if err := ParseEnv(&cfg); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

// DirectoryStorageDSN resolves where the relay persists its entity
// directory.
func (c Relay) DirectoryStorageDSN() (string, error) {
	if dsn := strings.TrimSpace(c.DirectoryDSN); dsn != "" {
		return dsn, nil
	}
	durable, _, err := profileDSNs(c.StorageProfile, c.DataDir, c.ProductionDSN)
	return durable, err
}

// StorageDSNs resolves the durable and session backends of the agent.
// Explicit DSNs win over the storage profile.
func (c Agent) StorageDSNs() (durable, session string, err error) {
	durable, session, err = profileDSNs(c.StorageProfile, c.DataDir, c.ProductionDSN)
	if err != nil {
		return "", "", err
	}
	if dsn := strings.TrimSpace(c.DurableDSN); dsn != "" {
		durable = dsn
	}
	if dsn := strings.TrimSpace(c.SessionDSN); dsn != "" {
		session = dsn
	}
	return durable, session, nil
}

// CacheDirectory returns the directory of the disk cache storage.
func (c Agent) CacheDirectory() string {
	if dir := strings.TrimSpace(c.CacheDir); dir != "" {
		return dir
	}
	return filepath.Join(c.dataDir(), "cache")
}

func (c Agent) dataDir() string {
	if dir := strings.TrimSpace(c.DataDir); dir != "" {
		return dir
	}
	return ".fieldalert"
}

func (c Agent) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("FIELDALERT_USER_ID is required")
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		return fmt.Errorf("FIELDALERT_RECONNECT_JITTER must be within [0,1], got %v", c.ReconnectJitter)
	}
	if c.RecentAlertsLimit < 0 {
		return fmt.Errorf("FIELDALERT_RECENT_ALERTS must not be negative, got %d", c.RecentAlertsLimit)
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("FIELDALERT_TIMEZONE: %w", err)
	}
	return c.Security.Validate()
}

// profileDSNs maps a storage profile onto durable and session DSNs.
func profileDSNs(profile, dataDir, productionDSN string) (durable, session string, err error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		dataDir = ".fieldalert"
	}
	// file and sqlite DSNs need an absolute path after the scheme.
	if abs, absErr := filepath.Abs(dataDir); absErr == nil {
		dataDir = abs
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "kv.json"), "memory://?max_bytes=5242880", nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "kv.db"), "memory://?max_bytes=5242880", nil
	case "production", "prod":
		productionDSN = strings.TrimSpace(productionDSN)
		if productionDSN == "" {
			return "", "", fmt.Errorf("FIELDALERT_PRODUCTION_DSN is required when FIELDALERT_STORAGE_PROFILE=%s", profile)
		}
		return productionDSN, "memory://?max_bytes=5242880", nil
	default:
		return "", "", fmt.Errorf("unsupported FIELDALERT_STORAGE_PROFILE: %s", profile)
	}
}
