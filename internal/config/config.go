/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the escrow-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	RefundQueue        string `mapstructure:"REFUND_QUEUE"`
	LedgerAPIBaseURL   string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey       string `mapstructure:"LEDGER_API_KEY"`
	RateOracleBaseURL  string `mapstructure:"RATE_ORACLE_BASE_URL"`
	RateOracleAPIKey   string `mapstructure:"RATE_ORACLE_API_KEY"`
	PayoutRailBaseURL  string `mapstructure:"PAYOUT_RAIL_BASE_URL"`
	PayoutRailAPIKey   string `mapstructure:"PAYOUT_RAIL_API_KEY"`
	JWKSURL            string `mapstructure:"JWKS_URL"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	RailSettlementAcct string `mapstructure:"RAIL_SETTLEMENT_ACCOUNT"`

	// Holding-currency allow-list: comma-separated CODE:feeBps:settlementSeconds
	// triples, e.g. "USD:0:0,USDC:25:30,EUR:10:3600".
	HoldingCurrencies string `mapstructure:"HOLDING_CURRENCIES"`
	HoldingFeeWeight  int64  `mapstructure:"HOLDING_FEE_WEIGHT"`
	HoldingTimeWeight int64  `mapstructure:"HOLDING_TIME_WEIGHT"`
	MaxSlippageBps    int64  `mapstructure:"MAX_SLIPPAGE_BPS"`

	DefaultExpiryHours int    `mapstructure:"DEFAULT_EXPIRY_HOURS"`
	SweepSchedule      string `mapstructure:"SWEEP_SCHEDULE"`
	SweepBatchSize     int    `mapstructure:"SWEEP_BATCH_SIZE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REFUND_QUEUE", "escrow_service.refunds")
	viper.SetDefault("RAIL_SETTLEMENT_ACCOUNT", "rail:settlement/main")
	viper.SetDefault("HOLDING_CURRENCIES", "USD:0:0")
	viper.SetDefault("HOLDING_FEE_WEIGHT", 1)
	viper.SetDefault("HOLDING_TIME_WEIGHT", 0)
	viper.SetDefault("MAX_SLIPPAGE_BPS", 50)
	viper.SetDefault("DEFAULT_EXPIRY_HOURS", 72)
	viper.SetDefault("SWEEP_SCHEDULE", "*/30 * * * * *")
	viper.SetDefault("SWEEP_BATCH_SIZE", 100)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REFUND_QUEUE")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("RATE_ORACLE_BASE_URL")
	_ = viper.BindEnv("RATE_ORACLE_API_KEY")
	_ = viper.BindEnv("PAYOUT_RAIL_BASE_URL")
	_ = viper.BindEnv("PAYOUT_RAIL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RAIL_SETTLEMENT_ACCOUNT")
	_ = viper.BindEnv("HOLDING_CURRENCIES")
	_ = viper.BindEnv("HOLDING_FEE_WEIGHT")
	_ = viper.BindEnv("HOLDING_TIME_WEIGHT")
	_ = viper.BindEnv("MAX_SLIPPAGE_BPS")
	_ = viper.BindEnv("DEFAULT_EXPIRY_HOURS")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("ESCROW_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.HoldingCurrencies = strings.TrimSpace(config.HoldingCurrencies)

	if config.MaxSlippageBps < 0 {
		log.Printf("level=warn component=config msg=\"negative max slippage configured; coercing to zero\" max_slippage_bps=%d", config.MaxSlippageBps)
		config.MaxSlippageBps = 0
	}
	if config.DefaultExpiryHours <= 0 {
		config.DefaultExpiryHours = 72
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 100
	}
	if strings.TrimSpace(config.SweepSchedule) == "" {
		config.SweepSchedule = "*/30 * * * * *"
	}

	return
}
