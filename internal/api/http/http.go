package http

type Config struct {
	Port           uint     `mapstructure:"port"`
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	StaticDir      string   `mapstructure:"static_dir"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}
