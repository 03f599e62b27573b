package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config carries everything the desk needs at startup. Values come from
// the environment or a .env file; the fee rate is given as a decimal
// fraction and folded into basis points here.
type Config struct {
	HTTPAddr      string
	LogLevel      string
	DBDriver      string
	DBDSN         string
	JWTSecret     string
	CipherRootKey string
	QuoteAsset    string
	FeeCollector  string
	FeeBps        uint64
	DevEncrypt    bool
}

// LoadConfig reads configuration from .env and the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	// missing .env is fine; the environment may carry everything
	_ = viper.ReadInConfig()

	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_DRIVER", "sqlite")
	viper.SetDefault("DB_DSN", "veildesk.db")
	viper.SetDefault("FEE_RATE", "0.003")

	feeRate, err := decimal.NewFromString(viper.GetString("FEE_RATE"))
	if err != nil {
		return nil, fmt.Errorf("invalid FEE_RATE: %w", err)
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("FEE_RATE %s out of range [0,1)", feeRate)
	}
	feeBps := feeRate.Mul(decimal.NewFromInt(10_000)).Round(0).IntPart()

	cfg := &Config{
		HTTPAddr:      viper.GetString("HTTP_ADDR"),
		LogLevel:      viper.GetString("LOG_LEVEL"),
		DBDriver:      viper.GetString("DB_DRIVER"),
		DBDSN:         viper.GetString("DB_DSN"),
		JWTSecret:     viper.GetString("JWT_SECRET"),
		CipherRootKey: viper.GetString("CIPHER_ROOT_KEY"),
		QuoteAsset:    viper.GetString("QUOTE_ASSET"),
		FeeCollector:  viper.GetString("FEE_COLLECTOR"),
		FeeBps:        uint64(feeBps),
		DevEncrypt:    viper.GetBool("DEV_ENCRYPT"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.CipherRootKey == "" {
		return nil, fmt.Errorf("CIPHER_ROOT_KEY is required")
	}
	if cfg.QuoteAsset == "" {
		return nil, fmt.Errorf("QUOTE_ASSET is required")
	}
	if cfg.FeeCollector == "" {
		return nil, fmt.Errorf("FEE_COLLECTOR is required")
	}
	return cfg, nil
}
