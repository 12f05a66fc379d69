// Package config provides configuration loading for the Secure Link service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the Secure Link service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL)
	NATSURL     string // NATS server URL
	S3Endpoint  string // S3-compatible storage endpoint for webhook archival
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // Key set URL; defaults to issuer's well-known path
	AdvisorURL  string // Advisor model endpoint
	KYCURL      string // BVN verification provider endpoint

	// PaystackSecret signs incoming gateway webhooks. Empty disables the
	// webhook endpoint.
	PaystackSecret string

	// SweepInterval controls how often overdue links are expired.
	SweepInterval time.Duration

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort          = "8080"
	defaultS3Region      = "us-east-1"
	defaultEnv           = "dev"
	defaultSweepInterval = time.Minute
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{}

	if env, exists := os.LookupEnv("SPEND_ENV"); exists {
		cfg.Env = env
	} else {
		cfg.Env = defaultEnv
	}

	if port, exists := os.LookupEnv("SPEND_PORT"); exists {
		cfg.Port = port
	} else {
		cfg.Port = defaultPort
	}

	// Optional variables
	if dsn, exists := os.LookupEnv("SPEND_DB_DSN"); exists {
		cfg.DatabaseDSN = dsn
	}

	if natsURL, exists := os.LookupEnv("SPEND_NATS_URL"); exists {
		cfg.NATSURL = natsURL
	}

	if s3Endpoint, exists := os.LookupEnv("SPEND_S3_ENDPOINT"); exists {
		cfg.S3Endpoint = s3Endpoint
	}

	if s3Region, exists := os.LookupEnv("SPEND_S3_REGION"); exists {
		cfg.S3Region = s3Region
	} else {
		cfg.S3Region = defaultS3Region
	}

	if s3Bucket, exists := os.LookupEnv("SPEND_S3_BUCKET"); exists {
		cfg.S3Bucket = s3Bucket
	}

	if s3AccessKey, exists := os.LookupEnv("SPEND_S3_ACCESS_KEY"); exists {
		cfg.S3AccessKey = s3AccessKey
	}

	if s3SecretKey, exists := os.LookupEnv("SPEND_S3_SECRET_KEY"); exists {
		cfg.S3SecretKey = s3SecretKey
	}

	if jwtIssuer, exists := os.LookupEnv("SPEND_JWT_ISSUER"); exists {
		cfg.JWTIssuer = jwtIssuer
	}

	if jwtAudience, exists := os.LookupEnv("SPEND_JWT_AUDIENCE"); exists {
		cfg.JWTAudience = jwtAudience
	}

	if jwksURL, exists := os.LookupEnv("SPEND_JWKS_URL"); exists {
		cfg.JWKSURL = jwksURL
	} else if cfg.JWTIssuer != "" {
		cfg.JWKSURL = fmt.Sprintf("%s/.well-known/jwks.json", strings.TrimSuffix(cfg.JWTIssuer, "/"))
	}

	if advisorURL, exists := os.LookupEnv("SPEND_ADVISOR_URL"); exists {
		cfg.AdvisorURL = advisorURL
	}

	if kycURL, exists := os.LookupEnv("SPEND_KYC_URL"); exists {
		cfg.KYCURL = kycURL
	}

	if secret, exists := os.LookupEnv("SPEND_PAYSTACK_SECRET"); exists {
		cfg.PaystackSecret = secret
	}

	if interval, exists := os.LookupEnv("SPEND_SWEEP_INTERVAL"); exists {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("SPEND_SWEEP_INTERVAL must be a positive duration: %q", interval)
		}
		cfg.SweepInterval = d
	} else {
		cfg.SweepInterval = defaultSweepInterval
	}

	if corsOrigins, exists := os.LookupEnv("SPEND_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = strings.Split(corsOrigins, ",")
		for i, origin := range cfg.CORSAllowedOrigins {
			cfg.CORSAllowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("SPEND_JWT_ISSUER is required")
	}

	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("SPEND_JWT_AUDIENCE is required")
	}

	return cfg, nil
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
