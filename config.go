package dashauth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/groovybytes/dashauth/idp"
	"github.com/groovybytes/dashauth/kv"
	"github.com/groovybytes/dashauth/session"
	"github.com/groovybytes/dashauth/statetoken"
)

// Config is the complete engine configuration. Build one from
// [DefaultConfig] or [ConfigFromViper] and adjust fields before passing it to
// [Builder.WithConfig].
type Config struct {
	Provider   ProviderConfig
	StateToken StateTokenConfig
	Session    SessionConfig
	Store      StoreConfig
	Security   SecurityConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
	Server     ServerConfig
}

/*
====================================
PROVIDER CONFIG
====================================
*/

// ProviderConfig describes the Azure AD B2C tenant and application registration.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	TenantName   string
	// AuthorityDomain defaults to https://<TenantName>.b2clogin.com.
	AuthorityDomain string

	SignInPolicy        string
	PasswordResetPolicy string
	ProfileEditPolicy   string

	RedirectURI string
	// BaseURL is the dashboard origin. Absolute referers on other origins
	// are replaced with "/".
	BaseURL string
	Scopes  []string

	// IDTokenIssuer enables ID token signature verification against the
	// tenant's published keys when set.
	IDTokenIssuer string

	ExchangeTimeout time.Duration
	// CancellationCode in error_description marks a user cancelling the
	// password reset journey.
	CancellationCode    string
	CancellationMessage string
}

/*
====================================
STATE TOKEN CONFIG
====================================
*/

// StateTokenConfig tunes the OAuth state token codec.
type StateTokenConfig struct {
	TTL       time.Duration
	Namespace string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig tunes the sealed session cookie.
type SessionConfig struct {
	// Secret is the 32-byte cookie encryption key.
	Secret []byte
	MaxAge time.Duration
	// Insecure drops the Secure cookie attribute for plain-HTTP development.
	Insecure bool
	// Registry records sessions in the store so logout revokes them.
	Registry bool
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig selects the key-value backend. An empty Host selects the
// in-memory store.
type StoreConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	Base     string
	Cluster  bool

	ManagedIdentity         bool
	ManagedIdentityClientID string
	TokenRefreshInterval    time.Duration

	// Timeout bounds every store call made by a flow.
	Timeout           time.Duration
	PurgeInterval     time.Duration
	QueuePollInterval time.Duration
}

// OpenConfig converts the section to the kv factory configuration.
func (s StoreConfig) OpenConfig() kv.OpenConfig {
	return kv.OpenConfig{
		Host:                    s.Host,
		Port:                    s.Port,
		TLS:                     s.TLS,
		Username:                s.Username,
		Password:                s.Password,
		Cluster:                 s.Cluster,
		ManagedIdentity:         s.ManagedIdentity,
		ManagedIdentityClientID: s.ManagedIdentityClientID,
		TokenRefreshInterval:    s.TokenRefreshInterval,
	}
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig holds throttling and hardening switches.
type SecurityConfig struct {
	ProductionMode        bool
	EnableIPThrottle      bool
	MaxInitiateAttempts   int
	InitiateWindow        time.Duration
	MaxCallbackFailures   int
	CallbackFailureWindow time.Duration
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// Queue publishes events onto the store queue in addition to the sink.
	Queue bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// ServerConfig is read by the serve command.
type ServerConfig struct {
	ListenAddr string
	LogLevel   string
}

/*
====================================
DEFAULTS
====================================
*/

// DefaultConfig returns the baseline configuration. Provider identifiers,
// the redirect URI and the session secret must still be supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

// ProductionConfig returns [DefaultConfig] with production hardening
// enabled: IP throttling on, secure cookies required, audit events never
// dropped.
func ProductionConfig() Config {
	cfg := defaultConfig()
	cfg.Security.ProductionMode = true
	cfg.Security.EnableIPThrottle = true
	cfg.Session.Insecure = false
	cfg.Session.Registry = true
	cfg.Audit.Enabled = true
	cfg.Audit.DropIfFull = false
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

func defaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			SignInPolicy:        idp.DefaultSignInPolicy,
			PasswordResetPolicy: idp.DefaultPasswordResetPolicy,
			ProfileEditPolicy:   idp.DefaultProfileEditPolicy,
			ExchangeTimeout:     15 * time.Second,
			CancellationCode:    "AADB2C90091",
			CancellationMessage: "User has cancelled the operation",
		},
		StateToken: StateTokenConfig{
			TTL:       statetoken.DefaultTTL,
			Namespace: "statetoken",
		},
		Session: SessionConfig{
			MaxAge:   session.DefaultMaxAge,
			Registry: true,
		},
		Store: StoreConfig{
			Timeout:              3 * time.Second,
			PurgeInterval:        time.Minute,
			QueuePollInterval:    time.Second,
			TokenRefreshInterval: 0,
		},
		Security: SecurityConfig{
			EnableIPThrottle:      false,
			MaxInitiateAttempts:   30,
			InitiateWindow:        time.Minute,
			MaxCallbackFailures:   20,
			CallbackFailureWindow: 10 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   "info",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Session.Secret = cloneBytes(cfg.Session.Secret)
	if cfg.Provider.Scopes != nil {
		out.Provider.Scopes = append([]string(nil), cfg.Provider.Scopes...)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error. It does not contact the
// provider or the store.
func (c *Config) Validate() error {
	// Provider
	if strings.TrimSpace(c.Provider.ClientID) == "" {
		return errors.New("Provider ClientID must be set")
	}
	if strings.TrimSpace(c.Provider.TenantName) == "" {
		return errors.New("Provider TenantName must be set")
	}
	redirect, err := url.Parse(c.Provider.RedirectURI)
	if err != nil || !redirect.IsAbs() || redirect.Host == "" {
		return errors.New("Provider RedirectURI must be an absolute URL")
	}
	if c.Provider.BaseURL != "" {
		base, err := url.Parse(c.Provider.BaseURL)
		if err != nil || !base.IsAbs() || base.Host == "" {
			return errors.New("Provider BaseURL must be an absolute URL")
		}
	}
	if c.Provider.AuthorityDomain != "" {
		if u, err := url.Parse(c.Provider.AuthorityDomain); err != nil || !u.IsAbs() {
			return errors.New("Provider AuthorityDomain must be an absolute URL")
		}
	}
	if c.Provider.SignInPolicy == "" || c.Provider.PasswordResetPolicy == "" || c.Provider.ProfileEditPolicy == "" {
		return errors.New("Provider policy names must be set")
	}
	if c.Provider.ExchangeTimeout <= 0 {
		return errors.New("Provider ExchangeTimeout must be > 0")
	}

	// State token
	if c.StateToken.TTL <= 0 {
		return errors.New("StateToken TTL must be > 0")
	}
	if c.StateToken.Namespace == "" {
		return errors.New("StateToken Namespace must be set")
	}

	// Session
	if len(c.Session.Secret) != session.KeySize {
		return fmt.Errorf("Session Secret must be %d bytes", session.KeySize)
	}
	if c.Session.MaxAge <= 0 {
		return errors.New("Session MaxAge must be > 0")
	}

	// Store
	if c.Store.Timeout <= 0 {
		return errors.New("Store Timeout must be > 0")
	}
	if c.Store.Port < 0 || c.Store.Port > 65535 {
		return errors.New("Store Port out of range")
	}
	if c.Store.ManagedIdentity && c.Store.Host == "" {
		return errors.New("Store ManagedIdentity requires Host")
	}
	if c.Store.TokenRefreshInterval < 0 {
		return errors.New("Store TokenRefreshInterval must be >= 0")
	}

	// Security
	if c.Security.EnableIPThrottle {
		if c.Security.MaxInitiateAttempts <= 0 || c.Security.InitiateWindow <= 0 {
			return errors.New("Security initiate throttle requires MaxInitiateAttempts and InitiateWindow > 0")
		}
		if c.Security.MaxCallbackFailures < 0 {
			return errors.New("Security MaxCallbackFailures must be >= 0")
		}
		if c.Security.MaxCallbackFailures > 0 && c.Security.CallbackFailureWindow <= 0 {
			return errors.New("Security CallbackFailureWindow must be > 0")
		}
	}
	if c.Security.ProductionMode {
		if c.Session.Insecure {
			return errors.New("ProductionMode requires secure session cookies")
		}
		if redirect.Scheme != "https" {
			return errors.New("ProductionMode requires an https RedirectURI")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	return nil
}

func (c *Config) providerConfig() idp.Config {
	return idp.Config{
		ClientID:        c.Provider.ClientID,
		ClientSecret:    c.Provider.ClientSecret,
		TenantName:      c.Provider.TenantName,
		AuthorityDomain: c.Provider.AuthorityDomain,
		Policies: map[idp.Authority]string{
			idp.SignIn:        c.Provider.SignInPolicy,
			idp.PasswordReset: c.Provider.PasswordResetPolicy,
			idp.ProfileEdit:   c.Provider.ProfileEditPolicy,
		},
		RedirectURI:   c.Provider.RedirectURI,
		Scopes:        append([]string(nil), c.Provider.Scopes...),
		IDTokenIssuer: c.Provider.IDTokenIssuer,
	}
}
