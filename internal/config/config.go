// Package config loads client and dev server settings from an optional YAML
// file, then RELAYNOTE_* environment variables, then validates the result.
package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("endpoint", validateEndpoint)
}

// validateEndpoint accepts absolute http(s) and ws(s) URLs.
func validateEndpoint(fl validator.FieldLevel) bool {
	parsed, err := url.Parse(fl.Field().String())
	if err != nil || parsed.Host == "" {
		return false
	}
	switch parsed.Scheme {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}

// Client configures one collaboration session.
type Client struct {
	ChannelURL      string        `yaml:"channel_url" validate:"required,endpoint"`
	APIURL          string        `yaml:"api_url" validate:"required,endpoint"`
	Room            string        `yaml:"room" validate:"required"`
	Token           string        `yaml:"token" validate:"required_without=CredentialsFile"`
	CredentialsFile string        `yaml:"credentials_file"`
	AckTimeout      time.Duration `yaml:"ack_timeout" validate:"gt=0"`
	HTTPTimeout     time.Duration `yaml:"http_timeout" validate:"gt=0"`
	MaxRetries      int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	PresenceEvery   time.Duration `yaml:"presence_every" validate:"gt=0"`
	ExecAutoStart   bool          `yaml:"exec_auto_start"`
	RunLogDSN       string        `yaml:"run_log_dsn"`
	SessionID       string        `yaml:"session_id"`
	StatusInterval  time.Duration `yaml:"status_interval" validate:"gt=0"`
	StatusJitter    float64       `yaml:"status_jitter" validate:"gte=0,lte=1"`
}

// Server configures the reference dev server.
type Server struct {
	Addr         string        `yaml:"addr" validate:"required,hostname_port"`
	JWTSecret    string        `yaml:"jwt_secret" validate:"required,min=8"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" validate:"gt=0"`
	RateLimit    float64       `yaml:"rate_limit" validate:"gte=0"`
	RateBurst    int           `yaml:"rate_burst" validate:"gte=0"`
	ExecDelay    time.Duration `yaml:"exec_delay" validate:"gte=0"`
}

func DefaultClient() Client {
	return Client{
		ChannelURL:     "ws://127.0.0.1:8090/v1/channel",
		APIURL:         "http://127.0.0.1:8090",
		AckTimeout:     10 * time.Second,
		HTTPTimeout:    15 * time.Second,
		MaxRetries:     3,
		PresenceEvery:  100 * time.Millisecond,
		ExecAutoStart:  true,
		StatusInterval: 30 * time.Second,
		StatusJitter:   0.2,
	}
}

func DefaultServer() Server {
	return Server{
		Addr:         "127.0.0.1:8090",
		MaxBodyBytes: 1 << 20,
		RateLimit:    50,
		RateBurst:    100,
	}
}

// LoadClient reads path (if non-empty), applies environment overrides, then
// overrides (command-line flags), and validates.
func LoadClient(path string, overrides ...func(*Client)) (Client, error) {
	cfg := DefaultClient()
	if err := readYAML(path, &cfg); err != nil {
		return Client{}, err
	}
	cfg.ApplyEnv()
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func (c *Client) ApplyEnv() {
	c.ChannelURL = envOrDefault("RELAYNOTE_CHANNEL_URL", c.ChannelURL)
	c.APIURL = envOrDefault("RELAYNOTE_API_URL", c.APIURL)
	c.Room = envOrDefault("RELAYNOTE_ROOM", c.Room)
	c.Token = envOrDefault("RELAYNOTE_TOKEN", c.Token)
	c.CredentialsFile = envOrDefault("RELAYNOTE_CREDENTIALS_FILE", c.CredentialsFile)
	c.AckTimeout = durationEnv("RELAYNOTE_ACK_TIMEOUT", c.AckTimeout)
	c.HTTPTimeout = durationEnv("RELAYNOTE_HTTP_TIMEOUT", c.HTTPTimeout)
	c.MaxRetries = intEnv("RELAYNOTE_MAX_RETRIES", c.MaxRetries)
	c.PresenceEvery = durationEnv("RELAYNOTE_PRESENCE_EVERY", c.PresenceEvery)
	c.ExecAutoStart = boolEnv("RELAYNOTE_EXEC_AUTO_START", c.ExecAutoStart)
	c.RunLogDSN = envOrDefault("RELAYNOTE_RUN_LOG_DSN", c.RunLogDSN)
	c.SessionID = envOrDefault("RELAYNOTE_SESSION_ID", c.SessionID)
	c.StatusInterval = durationEnv("RELAYNOTE_STATUS_INTERVAL", c.StatusInterval)
	c.StatusJitter = floatEnv("RELAYNOTE_STATUS_JITTER", c.StatusJitter)
}

func (c Client) Validate() error {
	return validateStruct(c)
}

func LoadServer(path string, overrides ...func(*Server)) (Server, error) {
	cfg := DefaultServer()
	if err := readYAML(path, &cfg); err != nil {
		return Server{}, err
	}
	cfg.ApplyEnv()
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (s *Server) ApplyEnv() {
	s.Addr = envOrDefault("RELAYNOTE_ADDR", s.Addr)
	s.JWTSecret = envOrDefault("RELAYNOTE_JWT_SECRET", s.JWTSecret)
	s.MaxBodyBytes = int64Env("RELAYNOTE_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.RateLimit = floatEnv("RELAYNOTE_RATE_LIMIT", s.RateLimit)
	s.RateBurst = intEnv("RELAYNOTE_RATE_BURST", s.RateBurst)
	s.ExecDelay = durationEnv("RELAYNOTE_EXEC_DELAY", s.ExecDelay)
}

func (s Server) Validate() error {
	return validateStruct(s)
}

func readYAML(path string, dst any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
