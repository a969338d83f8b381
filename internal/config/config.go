package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              int
	MasterSecret      string
	GinMode           string
	TLSCertFile       string
	TLSKeyFile        string
	TokenExpiry       time.Duration
	MachinesStateFile string
	Debug             bool
}

// Load reads configuration from the environment, with defaults for anything
// optional. MASTER_SECRET is the only required value.
func Load() (Config, error) {
	v := viper.New()
	v.SetDefault("port", 3000)
	v.SetDefault("gin_mode", "release")
	v.SetDefault("token_expiry_seconds", int64((7 * 24 * time.Hour).Seconds()))
	v.SetDefault("debug", false)
	v.AutomaticEnv()

	cfg := Config{
		Port:              v.GetInt("port"),
		MasterSecret:      v.GetString("master_secret"),
		GinMode:           v.GetString("gin_mode"),
		TLSCertFile:       v.GetString("tls_cert_file"),
		TLSKeyFile:        v.GetString("tls_key_file"),
		MachinesStateFile: v.GetString("machines_state_file"),
		Debug:             v.GetBool("debug"),
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid PORT")
	}
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	seconds := v.GetInt64("token_expiry_seconds")
	if seconds <= 0 {
		return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
	}
	cfg.TokenExpiry = time.Duration(seconds) * time.Second

	return cfg, nil
}
