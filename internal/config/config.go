// Package config loads the command-line client settings from a YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mauriciomferz/transfer-activation/transfer"
)

// Config is the client configuration.
type Config struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	// Format is "json" or "xml".
	Format         string `yaml:"format"`
	TimeoutSeconds int64  `yaml:"timeout_seconds"`
	LogLevel       string `yaml:"log_level"`

	TLS        TLSConfig        `yaml:"tls"`
	Delegation DelegationConfig `yaml:"delegation"`
	MyProxy    MyProxyConfig    `yaml:"myproxy"`
}

// TLSConfig selects the client identity and the roots used to verify the
// server. SPIFFEEndpointSocket, when set, takes precedence over the
// certificate files.
type TLSConfig struct {
	CAFile               string `yaml:"ca_file"`
	CertFile             string `yaml:"cert_file"`
	KeyFile              string `yaml:"key_file"`
	SPIFFEEndpointSocket string `yaml:"spiffe_endpoint_socket"`
	InsecureSkipVerify   bool   `yaml:"insecure_skip_verify"`
}

// DelegationConfig configures delegate_proxy activation.
type DelegationConfig struct {
	HelperPath     string `yaml:"helper_path"`
	CredentialFile string `yaml:"credential_file"`
	ProxyHours     int64  `yaml:"proxy_hours"`
	HelperWaitSec  int64  `yaml:"helper_wait_seconds"`
}

// MyProxyConfig configures myproxy activation. The passphrase is normally
// supplied through MYPROXY_PASSPHRASE rather than the file.
type MyProxyConfig struct {
	Hostname      string `yaml:"hostname"`
	Username      string `yaml:"username"`
	Passphrase    string `yaml:"passphrase"`
	ServerDN      string `yaml:"server_dn"`
	LifetimeHours int64  `yaml:"lifetime_hours"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BaseURL:        transfer.DefaultBaseURL,
		Format:         "json",
		TimeoutSeconds: 30,
		LogLevel:       "info",
		Delegation: DelegationConfig{
			HelperPath:    "mkproxy",
			ProxyHours:    12,
			HelperWaitSec: 5,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("config unmarshal: %w", err)
		}
	}
	applyEnvOverrides(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyEnvOverrides(c *Config) {
	setString := func(dst *string, name string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	setString(&c.BaseURL, "TRANSFER_BASE_URL")
	setString(&c.Username, "TRANSFER_USERNAME")
	setString(&c.Format, "TRANSFER_FORMAT")
	setString(&c.LogLevel, "TRANSFER_LOG_LEVEL")
	setString(&c.TLS.CAFile, "TRANSFER_CA_FILE")
	setString(&c.TLS.CertFile, "TRANSFER_CERT_FILE")
	setString(&c.TLS.KeyFile, "TRANSFER_KEY_FILE")
	setString(&c.TLS.SPIFFEEndpointSocket, "SPIFFE_ENDPOINT_SOCKET")
	setString(&c.Delegation.HelperPath, "MKPROXY_PATH")
	setString(&c.Delegation.CredentialFile, "X509_USER_PROXY")
	// Passphrases may legitimately carry surrounding spaces.
	if v := os.Getenv("MYPROXY_PASSPHRASE"); v != "" {
		c.MyProxy.Passphrase = v
	}

	c.TimeoutSeconds = envInt64("TRANSFER_TIMEOUT_SECONDS", c.TimeoutSeconds)
	c.Delegation.ProxyHours = envInt64("MKPROXY_HOURS", c.Delegation.ProxyHours)
	c.TLS.InsecureSkipVerify = envBool("TRANSFER_INSECURE_SKIP_VERIFY", c.TLS.InsecureSkipVerify)
}

func envInt64(name string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	var out int64
	_, err := fmt.Sscanf(v, "%d", &out)
	if err != nil {
		return def
	}
	return out
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BaseURL) == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if _, err := transfer.FormatByName(c.Format); err != nil {
		errs = append(errs, err)
	}
	if c.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("timeout_seconds must not be negative, got %d", c.TimeoutSeconds))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if c.Delegation.ProxyHours < 0 {
		errs = append(errs, fmt.Errorf("delegation.proxy_hours must not be negative, got %d", c.Delegation.ProxyHours))
	}
	return errors.Join(errs...)
}

// Timeout returns the request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HelperWait returns how long a signing helper may linger after
// cancellation.
func (c *Config) HelperWait() time.Duration {
	return time.Duration(c.Delegation.HelperWaitSec) * time.Second
}
