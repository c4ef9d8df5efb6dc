package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"orderflow/internal/log"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	HTTPAddr        string
	MetricsAddr     string
	JWTSecret       string
	ConsumerName    string
	MaxRetries      int
	PublishBatch    int
	PublishInterval time.Duration
	PublishBackoff  time.Duration
	ConsumeBatch    int
	ConsumeBlock    time.Duration
	PaymentApproval float64
}

func Load() (*Config, error) {
	logger := log.NewLogger()

	// .env is optional; real deployments set variables directly.
	if err := godotenv.Load(); err != nil {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		HTTPAddr:        os.Getenv("HTTP_ADDR"),
		MetricsAddr:     os.Getenv("METRICS_ADDR"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		ConsumerName:    os.Getenv("CONSUMER_NAME"),
		MaxRetries:      3,
		PublishBatch:    10,
		PublishInterval: 10 * time.Second,
		PublishBackoff:  5 * time.Second,
		ConsumeBatch:    10,
		ConsumeBlock:    5 * time.Second,
		PaymentApproval: 0.5,
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":2112"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = defaultConsumerName()
		logger.Info("Using default consumer name", zap.String("consumer", cfg.ConsumerName))
	}

	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Error("Invalid MAX_RETRIES", zap.String("value", v))
			return nil, fmt.Errorf("invalid MAX_RETRIES: %s", v)
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv("PUBLISH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid PUBLISH_INTERVAL", zap.String("value", v))
			return nil, fmt.Errorf("invalid PUBLISH_INTERVAL: %s", v)
		}
		cfg.PublishInterval = d
	}
	if v := os.Getenv("CONSUME_BLOCK"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid CONSUME_BLOCK", zap.String("value", v))
			return nil, fmt.Errorf("invalid CONSUME_BLOCK: %s", v)
		}
		cfg.ConsumeBlock = d
	}
	if v := os.Getenv("PAYMENT_APPROVAL_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			logger.Error("Invalid PAYMENT_APPROVAL_RATE", zap.String("value", v))
			return nil, fmt.Errorf("invalid PAYMENT_APPROVAL_RATE: %s", v)
		}
		cfg.PaymentApproval = f
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
