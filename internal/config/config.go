package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settlement modes for a vault.
const (
	SettlementSync  = "sync"  // shares assigned in the deposit transaction
	SettlementAsync = "async" // request/settle with an epoch or request id
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Admin    AdminConfig    `yaml:"admin"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Vaults   []VaultConfig  `yaml:"vaults"`
}

// ServerConfig HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig Postgres configuration.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig message bus configuration. Publishing is disabled when URL is
// empty.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// AdminConfig operator API access control.
type AdminConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
}

// IndexerConfig scheduling knobs for the scan and snapshot loops.
type IndexerConfig struct {
	PollIntervalSeconds   int `yaml:"pollIntervalSeconds"`   // default 30
	SnapshotHourUTC       int `yaml:"snapshotHourUTC"`       // default 0
	MarkerTTLMinutes      int `yaml:"markerTTLMinutes"`      // default 30
	MaxBlocksPerScan      int `yaml:"maxBlocksPerScan"`      // default 5000
	RateLimitCooldownSecs int `yaml:"rateLimitCooldownSecs"` // default 120
	RPCRequestsPerSecond  int `yaml:"rpcRequestsPerSecond"`  // default 10
}

// AssetConfig is the vault's underlying asset.
type AssetConfig struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals int    `yaml:"decimals"`
}

// VaultConfig is the static, immutable description of one tracked vault.
type VaultConfig struct {
	ID             string      `yaml:"id"`
	Name           string      `yaml:"name"`
	Chain          string      `yaml:"chain"`
	ChainID        uint64      `yaml:"chainId"`
	VaultAddress   string      `yaml:"vaultAddress"`
	RouterAddress  string      `yaml:"routerAddress"`
	Asset          AssetConfig `yaml:"asset"`
	RPCEndpoints   []string    `yaml:"rpcEndpoints"` // ranked, first is preferred
	FinalityMargin uint64      `yaml:"finalityMargin"`
	SettlementMode string      `yaml:"settlementMode"`
	Enabled        bool        `yaml:"enabled"`
}

var AppConfig *Config

// LoadConfig reads the yaml config file, applies environment overrides and
// validates the vault registry.
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(&config)
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return err
	}

	AppConfig = &config
	return nil
}

// overrideFromEnv applies environment variable overrides. Env always wins
// over the yaml file.
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}
	if secret := os.Getenv("ADMIN_JWT_SECRET"); secret != "" {
		config.Admin.JWTSecret = secret
	}
	if interval := os.Getenv("POLL_INTERVAL_SECONDS"); interval != "" {
		if v, err := strconv.Atoi(interval); err == nil {
			config.Indexer.PollIntervalSeconds = v
		}
	}

	// Per-chain RPC endpoint overrides, e.g. ETHEREUM_RPC_ENDPOINTS as a
	// comma-separated ranked list.
	for i, vault := range config.Vaults {
		envRPC := fmt.Sprintf("%s_RPC_ENDPOINTS", strings.ToUpper(vault.Chain))
		if endpoints := os.Getenv(envRPC); endpoints != "" {
			parts := strings.Split(endpoints, ",")
			ranked := make([]string, 0, len(parts))
			for _, p := range parts {
				if trimmed := strings.TrimSpace(p); trimmed != "" {
					ranked = append(ranked, trimmed)
				}
			}
			config.Vaults[i].RPCEndpoints = ranked
		}
	}
}

func applyDefaults(config *Config) {
	if config.Indexer.PollIntervalSeconds <= 0 {
		config.Indexer.PollIntervalSeconds = 30
	}
	if config.Indexer.MarkerTTLMinutes <= 0 {
		config.Indexer.MarkerTTLMinutes = 30
	}
	if config.Indexer.MaxBlocksPerScan <= 0 {
		config.Indexer.MaxBlocksPerScan = 5000
	}
	if config.Indexer.RateLimitCooldownSecs <= 0 {
		config.Indexer.RateLimitCooldownSecs = 120
	}
	if config.Indexer.RPCRequestsPerSecond <= 0 {
		config.Indexer.RPCRequestsPerSecond = 10
	}
	if config.NATS.SubjectPrefix == "" {
		config.NATS.SubjectPrefix = "yieldo"
	}
	for i := range config.Vaults {
		if config.Vaults[i].SettlementMode == "" {
			config.Vaults[i].SettlementMode = SettlementSync
		}
		if config.Vaults[i].FinalityMargin == 0 {
			config.Vaults[i].FinalityMargin = 12
		}
	}
}

func validate(config *Config) error {
	seen := make(map[string]bool)
	for _, vault := range config.Vaults {
		if !vault.Enabled {
			continue
		}
		if vault.ID == "" {
			return fmt.Errorf("vault with address %s has no id", vault.VaultAddress)
		}
		if seen[vault.ID] {
			return fmt.Errorf("duplicate vault id %s", vault.ID)
		}
		seen[vault.ID] = true
		if len(vault.RPCEndpoints) == 0 {
			return fmt.Errorf("vault %s has no rpc endpoints", vault.ID)
		}
		if vault.VaultAddress == "" || vault.RouterAddress == "" {
			return fmt.Errorf("vault %s is missing vault or router address", vault.ID)
		}
		if vault.SettlementMode != SettlementSync && vault.SettlementMode != SettlementAsync {
			return fmt.Errorf("vault %s has unknown settlement mode %q", vault.ID, vault.SettlementMode)
		}
	}
	return nil
}

// PollInterval returns the scan tick interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Indexer.PollIntervalSeconds) * time.Second
}

// MarkerTTL returns the pending-origin marker lifetime.
func (c *Config) MarkerTTL() time.Duration {
	return time.Duration(c.Indexer.MarkerTTLMinutes) * time.Minute
}

// RateLimitCooldown returns the default endpoint cooldown after a 429 when
// the provider supplies no Retry-After.
func (c *Config) RateLimitCooldown() time.Duration {
	return time.Duration(c.Indexer.RateLimitCooldownSecs) * time.Second
}

// EnabledVaults returns the vaults the indexer should track.
func (c *Config) EnabledVaults() []VaultConfig {
	vaults := make([]VaultConfig, 0, len(c.Vaults))
	for _, v := range c.Vaults {
		if v.Enabled {
			vaults = append(vaults, v)
		}
	}
	return vaults
}

// GetVaultConfig looks up an enabled vault by id.
func (c *Config) GetVaultConfig(vaultID string) (*VaultConfig, error) {
	for _, v := range c.Vaults {
		if v.ID == vaultID && v.Enabled {
			vault := v
			return &vault, nil
		}
	}
	return nil, fmt.Errorf("vault %s not found or disabled", vaultID)
}

// VaultsByChain groups enabled vaults by chain id. One scan pass per chain
// covers every vault on it, so the per-chain cursor advances once per pass.
func (c *Config) VaultsByChain() map[uint64][]VaultConfig {
	grouped := make(map[uint64][]VaultConfig)
	for _, v := range c.EnabledVaults() {
		grouped[v.ChainID] = append(grouped[v.ChainID], v)
	}
	return grouped
}
