package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/EternisAI/silo-desktop/internal/api/http"
	"github.com/EternisAI/silo-desktop/internal/auth"
	"github.com/EternisAI/silo-desktop/internal/cert"
	"github.com/EternisAI/silo-desktop/internal/db"
	"github.com/EternisAI/silo-desktop/internal/presence"
	wsserver "github.com/EternisAI/silo-desktop/internal/ws/server"
	wstls "github.com/EternisAI/silo-desktop/internal/ws/tls"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Http    http.Config   `mapstructure:"http"`
	Channel ChannelConfig `mapstructure:"channel"`
	Grpc    GrpcConfig    `mapstructure:"grpc"`
	DB      db.Config     `mapstructure:"db"`
	JWT     auth.Config   `mapstructure:"jwt"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// ChannelConfig is the agent WebSocket listener.
type ChannelConfig struct {
	wsserver.Config `mapstructure:",squash"`
	TLS             wstls.Config `mapstructure:"tls"`
	// AutoCert fills in missing TLS files with a generated CA and server pair.
	AutoCert        cert.Config  `mapstructure:"auto_cert"`
}

// GrpcConfig is the health-check listener. Port 0 disables it.
type GrpcConfig struct {
	Port int          `mapstructure:"port"`
	TLS  wstls.Config `mapstructure:"tls"`
}

type RedisConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	presence.RedisConfig `mapstructure:",squash"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-desktop-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if err := validateConfig(config); err != nil {
		panic(err)
	}

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.JWT.JWTSecret = "***"
		redacted.Http.AdminAPIKey = "***"
		redacted.Redis.Password = "***"
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func validateConfig(c Config) error {
	switch c.DB.Driver {
	case db.DriverPostgres:
		if c.DB.Url == "" {
			return fmt.Errorf("db.url is required for the %s driver", db.DriverPostgres)
		}
	case db.DriverSQLite:
		if c.DB.Path == "" {
			return fmt.Errorf("db.path is required for the %s driver", db.DriverSQLite)
		}
	default:
		return fmt.Errorf("unsupported db.driver %q", c.DB.Driver)
	}

	if c.JWT.JWTSecret == "" {
		return fmt.Errorf("jwt.jwt_secret is required")
	}
	if c.Channel.AutoCert.Enabled {
		if !c.Channel.TLS.Enabled {
			return fmt.Errorf("channel.auto_cert requires channel.tls.enabled")
		}
		if c.Channel.TLS.CAFile == "" || c.Channel.AutoCert.CAKeyFile == "" {
			return fmt.Errorf("channel.tls.ca_file and channel.auto_cert.ca_key_file are required for auto_cert")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}
