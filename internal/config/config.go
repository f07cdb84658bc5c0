package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/AkshathPatkar/pinot/internal/domain"
	"github.com/AkshathPatkar/pinot/internal/transport"
)

type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

type BrokerConfig struct {
	ID             string         `mapstructure:"id"`
	ConnectTimeout time.Duration  `mapstructure:"connect_timeout"`
	KeepAlive      time.Duration  `mapstructure:"keep_alive"`
	SendTimeout    time.Duration  `mapstructure:"send_timeout"`
	QueryTimeout   time.Duration  `mapstructure:"query_timeout"`
	TLS            ClientTLS      `mapstructure:"tls"`
	Servers        []ServerTarget `mapstructure:"servers"`
}

type ClientTLS struct {
	Enabled        bool   `mapstructure:"enabled"`
	Provider       string `mapstructure:"provider"`
	KeyStorePath   string `mapstructure:"key_store_path"`
	TrustStorePath string `mapstructure:"trust_store_path"`
	ServerName     string `mapstructure:"server_name"`
}

type ServerTarget struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	TableType string `mapstructure:"table_type"`
}

type ServerConfig struct {
	Name        string        `mapstructure:"name"`
	Address     string        `mapstructure:"address"`
	MaxInflight int           `mapstructure:"max_inflight"`
	Delay       time.Duration `mapstructure:"delay"`
	TLS         ServerTLS     `mapstructure:"tls"`
	Tables      []TableConfig `mapstructure:"tables"`
}

type ServerTLS struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// ClientCAFile, when set, requires and verifies client certificates.
	ClientCAFile string `mapstructure:"client_ca_file"`
}

type TableConfig struct {
	Name    string     `mapstructure:"name"`
	Columns []string   `mapstructure:"columns"`
	Rows    [][]string `mapstructure:"rows"`
}

type MetricsConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("pinot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Broker.ID == "" {
		cfg.Broker.ID = "broker-" + uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.connect_timeout", transport.DefaultConnectTimeout)
	v.SetDefault("broker.keep_alive", transport.DefaultKeepAlive)
	v.SetDefault("broker.send_timeout", time.Second)
	v.SetDefault("broker.query_timeout", 10*time.Second)
	v.SetDefault("broker.tls.provider", transport.ProviderGo)
	v.SetDefault("server.name", "Server_local")
	v.SetDefault("server.address", ":8098")
	v.SetDefault("server.max_inflight", 256)
	v.SetDefault("metrics.listen_address", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c Config) Validate() error {
	if c.Broker.ConnectTimeout <= 0 {
		return fmt.Errorf("broker.connect_timeout must be positive")
	}
	if c.Broker.SendTimeout < 0 {
		return fmt.Errorf("broker.send_timeout must not be negative")
	}
	if c.Broker.TLS.Enabled {
		if err := c.Broker.ClientTLS().Validate(); err != nil {
			return fmt.Errorf("broker.tls: %w", err)
		}
	}
	for i, s := range c.Broker.Servers {
		if s.Host == "" {
			return fmt.Errorf("broker.servers[%d].host is required", i)
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("broker.servers[%d].port %d out of range", i, s.Port)
		}
		if _, err := domain.ParseTableType(s.TableType); err != nil {
			return fmt.Errorf("broker.servers[%d]: %w", i, err)
		}
	}
	if c.Server.MaxInflight <= 0 {
		return fmt.Errorf("server.max_inflight must be positive")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls requires cert_file and key_file")
	}
	for i, tbl := range c.Server.Tables {
		if tbl.Name == "" {
			return fmt.Errorf("server.tables[%d].name is required", i)
		}
	}
	return nil
}

// ClientTLS returns the transport TLS settings, or nil when TLS is off.
func (b BrokerConfig) ClientTLS() *transport.TLSConfig {
	if !b.TLS.Enabled {
		return nil
	}
	return &transport.TLSConfig{
		Provider:       b.TLS.Provider,
		KeyStorePath:   b.TLS.KeyStorePath,
		TrustStorePath: b.TLS.TrustStorePath,
		ServerName:     b.TLS.ServerName,
	}
}

// Targets resolves the configured server list. Validate must have passed.
func (b BrokerConfig) Targets() []domain.ServerRoutingInstance {
	out := make([]domain.ServerRoutingInstance, 0, len(b.Servers))
	for _, s := range b.Servers {
		tt, _ := domain.ParseTableType(s.TableType)
		out = append(out, domain.NewServerRoutingInstance(s.Host, s.Port, tt))
	}
	return out
}
