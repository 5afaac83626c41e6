package main

import (
	"strings"

	wstls "github.com/EternisAI/silo-desktop/internal/ws/tls"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Channel ChannelConfig `mapstructure:"channel"`
}

type ChannelConfig struct {
	// URL overrides the channel URL stored in the credentials file.
	URL         string       `mapstructure:"url"`
	Credentials string       `mapstructure:"credentials"`
	TLS         wstls.Config `mapstructure:"tls"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-desktop-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("channel.url", "")
	viper.SetDefault("channel.credentials", "agent-credentials.yml")
	viper.SetDefault("channel.tls.enabled", false)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)
}
