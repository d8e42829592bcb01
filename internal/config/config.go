package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Telegram struct {
		Token    string
		Username string
		AdminIDs []int64
	}
	DB struct {
		Host         string
		Port         string
		User         string
		Password     string
		DBName       string
		SSLMode      string
		MaxOpenConns int
		MaxIdleConns int
		ConnLifetime time.Duration
	}
	Payments struct {
		Gateway      string // "yookassa" or "stripe"
		PollInterval time.Duration
		PollTimeout  time.Duration
	}
	YooKassa struct {
		ShopID    string
		SecretKey string
		ReturnURL string
	}
	Stripe struct {
		SecretKey string
	}
	Products struct {
		AudioPriceRub      string
		SystemPriceRub     string
		SystemMaterialsURL string
	}
	Media struct {
		Dir          string
		AudioFiles   []string
		PDFRisk      string
		PDFNeighbors string
		PDFAllies    string
	}
	Campaigns struct {
		SweepInterval    time.Duration
		UpsellAfter      time.Duration
		SystemOfferAfter time.Duration
		FollowupAfter    time.Duration
	}
	Server struct {
		Port string
	}
	StartParamAudio string
	ShutdownTimeout time.Duration
}

// PaymentsEnabled reports whether a payment gateway is configured.
func (c *Config) PaymentsEnabled() bool {
	switch c.Payments.Gateway {
	case "yookassa":
		return c.YooKassa.ShopID != "" && c.YooKassa.SecretKey != ""
	case "stripe":
		return c.Stripe.SecretKey != ""
	}
	return false
}

// IsAdmin reports whether the given Telegram user id is a configured admin.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Load loads the configuration
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")
	v.AddConfigPath("$HOME/.quiz-bot")

	setDefaults(v)

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// No config file: assemble everything from environment variables.
		return fromEnv(v), nil
	}

	// Process any ${ENV_VAR} syntax in the config values
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(value, "}"), "${")
			if envValue := os.Getenv(envVar); envValue != "" {
				v.Set(key, envValue)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ShutdownTimeout", 10*time.Second)
	v.SetDefault("Server.Port", "8080")
	v.SetDefault("DB.MaxOpenConns", 20)
	v.SetDefault("DB.MaxIdleConns", 10)
	v.SetDefault("DB.ConnLifetime", 5*time.Minute)
	v.SetDefault("Payments.Gateway", "yookassa")
	v.SetDefault("Payments.PollInterval", 7*time.Second)
	v.SetDefault("Payments.PollTimeout", 10*time.Minute)
	v.SetDefault("Campaigns.SweepInterval", 60*time.Second)
	v.SetDefault("Campaigns.UpsellAfter", 15*time.Minute)
	v.SetDefault("Campaigns.SystemOfferAfter", 5*time.Minute)
	v.SetDefault("Campaigns.FollowupAfter", 24*time.Hour)
	v.SetDefault("Products.AudioPriceRub", "490.00")
	v.SetDefault("Products.SystemPriceRub", "2990.00")
	v.SetDefault("Media.Dir", "/app/media")
	v.SetDefault("StartParamAudio", "2")
}

// fromEnv builds a minimal config from environment variables when no
// config file is present, mirroring the defaults above.
func fromEnv(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Telegram.Token = os.Getenv("TELEGRAM_TOKEN")
	cfg.Telegram.Username = os.Getenv("TELEGRAM_USERNAME")
	cfg.Telegram.AdminIDs = parseAdminIDs(os.Getenv("ADMIN_IDS"))

	cfg.DB.Host = getEnvOr("DB_HOST", "localhost")
	cfg.DB.Port = getEnvOr("DB_PORT", "5432")
	cfg.DB.User = getEnvOr("DB_USER", "postgres")
	cfg.DB.Password = getEnvOr("DB_PASSWORD", "postgres")
	cfg.DB.DBName = getEnvOr("DB_NAME", "quiz_bot")
	cfg.DB.SSLMode = getEnvOr("DB_SSL_MODE", "disable")
	cfg.DB.MaxOpenConns = v.GetInt("DB.MaxOpenConns")
	cfg.DB.MaxIdleConns = v.GetInt("DB.MaxIdleConns")
	cfg.DB.ConnLifetime = v.GetDuration("DB.ConnLifetime")

	cfg.Payments.Gateway = getEnvOr("PAYMENT_GATEWAY", "yookassa")
	cfg.Payments.PollInterval = v.GetDuration("Payments.PollInterval")
	cfg.Payments.PollTimeout = v.GetDuration("Payments.PollTimeout")

	cfg.YooKassa.ShopID = os.Getenv("YOOKASSA_SHOP_ID")
	cfg.YooKassa.SecretKey = os.Getenv("YOOKASSA_SECRET_KEY")
	cfg.YooKassa.ReturnURL = os.Getenv("YOOKASSA_RETURN_URL")

	cfg.Stripe.SecretKey = os.Getenv("STRIPE_SECRET_KEY")

	cfg.Products.AudioPriceRub = getEnvOr("AUDIO_PRICE_RUB", "490.00")
	cfg.Products.SystemPriceRub = getEnvOr("SYSTEM_PRICE_RUB", "2990.00")
	cfg.Products.SystemMaterialsURL = os.Getenv("SYSTEM_MATERIALS_URL")

	cfg.Media.Dir = getEnvOr("MEDIA_DIR", "/app/media")
	cfg.Media.AudioFiles = splitList(getEnvOr("AUDIO_FILES",
		"Пещера.wav,Стоп-кран.wav,Инструкция.wav,Секс и быт.wav,Система.wav"))
	cfg.Media.PDFRisk = getEnvOr("PDF_RISK", "ХОЛОДНАЯ ВОЙНА.pdf")
	cfg.Media.PDFNeighbors = getEnvOr("PDF_NEIGHBORS", "Как перестать быть соседями.pdf")
	cfg.Media.PDFAllies = getEnvOr("PDF_ALLIES", "Секреты сильных пар.pdf")

	cfg.Campaigns.SweepInterval = v.GetDuration("Campaigns.SweepInterval")
	cfg.Campaigns.UpsellAfter = v.GetDuration("Campaigns.UpsellAfter")
	cfg.Campaigns.SystemOfferAfter = v.GetDuration("Campaigns.SystemOfferAfter")
	cfg.Campaigns.FollowupAfter = v.GetDuration("Campaigns.FollowupAfter")

	cfg.Server.Port = getEnvOr("SERVER_PORT", "8080")
	cfg.StartParamAudio = getEnvOr("START_PARAM_AUDIO", "2")
	cfg.ShutdownTimeout = v.GetDuration("ShutdownTimeout")

	return cfg
}

func parseAdminIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper function to get environment variable with default value
func getEnvOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
