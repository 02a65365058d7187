package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Debug            bool   `envconfig:"debug"`
	Port             int    `envconfig:"port" default:"8080"`
	Env              string `envconfig:"env" default:"dev"`
	BaseUrl          string `envconfig:"base_url"`
	PostgresHost     string `envconfig:"postgres_host"`
	PostgresUser     string `envconfig:"postgres_user"`
	PostgresDB       string `envconfig:"postgres_db"`
	PostgresPort     int    `envconfig:"postgres_port" default:"5432"`
	PostgresPassword string `envconfig:"postgres_password"`
	PostgresTimeZone string `envconfig:"postgres_timezone" default:"UTC"`
	JWTSecret        string `envconfig:"jwt_secret"`
	DevTokens        bool   `envconfig:"dev_tokens"`

	RedisAddr     string `envconfig:"redis_addr"`
	RedisPassword string `envconfig:"redis_password"`
	RedisChannel  string `envconfig:"redis_channel" default:"realtyx:realtime"`

	AWSRegion          string `envconfig:"aws_region"`
	AWSBucket          string `envconfig:"aws_bucket"`
	AWSAccessKeyID     string `envconfig:"aws_access_key_id"`
	AWSSecretAccessKey string `envconfig:"aws_secret_access_key"`
	AWSPublicBaseURL   string `envconfig:"aws_public_base_url"`

	MailgunApiKey string `envconfig:"mg_public_api_key"`
	MgDomain      string `envconfig:"mg_domain"`
	MgEmailFrom   string `envconfig:"email_from"`
	LeadsEmail    string `envconfig:"leads_email"`

	GoogleApplicationCredentials string `envconfig:"google_application_credentials"`

	MessagingRetries    int           `envconfig:"messaging_retries" default:"2"`
	MessagingRetryDelay time.Duration `envconfig:"messaging_retry_delay" default:"1s"`
	RealtimeBuffer      int           `envconfig:"realtime_buffer" default:"64"`
	EncryptionEnabled   bool          `envconfig:"encryption_enabled"`
	EncryptionSecret    string        `envconfig:"encryption_secret"`
	SendRateLimit       uint          `envconfig:"send_rate_limit" default:"30"`

	AccessControlAllowOrigin string `envconfig:"access_control_allow_origin"`
}

// IsProd reports whether the service runs with production settings.
func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

// IssuesDevTokens reports whether POST /auth/token may sign tokens. It needs
// REALTYX_DEV_TOKENS=true and is never on in production.
func (c *Config) IssuesDevTokens() bool {
	return c.DevTokens && !c.IsProd()
}

// Validate rejects settings the server cannot run safely with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("jwt_secret is required")
	}
	if c.EncryptionEnabled && strings.TrimSpace(c.EncryptionSecret) == "" {
		return errors.New("encryption_secret is required when encryption is enabled")
	}
	return nil
}

func Load() (*Config, error) {
	env := os.Getenv("GIN_MODE")
	if env != "release" {
		if err := godotenv.Load("./.env"); err != nil {
			logrus.WithError(err).Warn("couldn't load env vars")
		}
	}

	c := &Config{}
	err := envconfig.Process("realtyx", c)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return c, nil
}
