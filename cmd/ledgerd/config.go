package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type config struct {
	Port         int
	GRPCPort     int
	CORSOrigins  []string
	RateLimitRPS int
	MaxBodyBytes int64

	DataDir       string
	CheckpointDir string
	MaxBytes      int64
	MaxSegments   int
	SyncWrites    bool

	AnchorDatabaseURL string
	AnchorQueueSize   int
	AnchorWebhookURL  string
	AnchorWebhookKey  string

	LogDevelopment bool
}

// loadConfig reads ledgerd.yaml from configs/ or the working directory, then
// environment variables such as LEDGER_MAX_BYTES.
func loadConfig() (*config, bool, error) {
	v := viper.New()
	v.SetConfigName("ledgerd")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8088)
	v.SetDefault("server.grpc_port", 9088)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 50)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("ledger.data_dir", "data")
	v.SetDefault("ledger.checkpoint_dir", "checkpoints")
	v.SetDefault("ledger.max_bytes", 52428800)
	v.SetDefault("ledger.max_segments", 30)
	v.SetDefault("storage.sync_writes", true)
	v.SetDefault("anchor.database_url", "")
	v.SetDefault("anchor.queue_size", 64)
	v.SetDefault("anchor.webhook_url", "")
	v.SetDefault("anchor.webhook_secret", "")
	v.SetDefault("log.development", false)

	found := true
	if err := v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return nil, false, fmt.Errorf("read config: %w", err)
		}
		found = false
	}

	cfg := &config{
		Port:              v.GetInt("server.port"),
		GRPCPort:          v.GetInt("server.grpc_port"),
		CORSOrigins:       v.GetStringSlice("server.cors_origins"),
		RateLimitRPS:      v.GetInt("server.rate_limit_rps"),
		MaxBodyBytes:      v.GetInt64("server.max_body_bytes"),
		DataDir:           v.GetString("ledger.data_dir"),
		CheckpointDir:     v.GetString("ledger.checkpoint_dir"),
		MaxBytes:          v.GetInt64("ledger.max_bytes"),
		MaxSegments:       v.GetInt("ledger.max_segments"),
		SyncWrites:        v.GetBool("storage.sync_writes"),
		AnchorDatabaseURL: v.GetString("anchor.database_url"),
		AnchorQueueSize:   v.GetInt("anchor.queue_size"),
		AnchorWebhookURL:  v.GetString("anchor.webhook_url"),
		AnchorWebhookKey:  v.GetString("anchor.webhook_secret"),
		LogDevelopment:    v.GetBool("log.development"),
	}
	if cfg.MaxBytes <= 0 || cfg.MaxSegments <= 0 {
		return nil, found, fmt.Errorf("ledger.max_bytes and ledger.max_segments must be positive")
	}
	return cfg, found, nil
}
