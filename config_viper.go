package dashauth

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment variable names read by [ConfigFromViper].
const (
	EnvRedisHost                 = "REDIS_HOST"
	EnvRedisPort                 = "REDIS_PORT"
	EnvRedisTLS                  = "REDIS_TLS"
	EnvRedisUser                 = "REDIS_USER"
	EnvRedisPassword             = "REDIS_PASSWORD"
	EnvRedisBase                 = "REDIS_BASE"
	EnvRedisEntraIdentity        = "REDIS_ENTRA_IDENTITY"
	EnvRedisClusterEnabled       = "REDIS_CLUSTER_ENABLED"
	EnvRedisTokenRefreshInterval = "REDIS_TOKEN_REFRESH_INTERVAL"
	EnvManagedIdentityClientID   = "MANAGED_IDENTITY_CLIENT_ID"
	EnvAzureClientID             = "AZURE_CLIENT_ID"
	EnvAzureClientSecret         = "AZURE_CLIENT_SECRET"
	EnvAzureTenantName           = "AZURE_TENANT_NAME"
	EnvAuthorityDomain           = "AUTHORITY_DOMAIN"
	EnvSignInPolicy              = "SIGN_UP_SIGN_IN_POLICY_NAME"
	EnvPasswordResetPolicy       = "RESET_PASSWORD_POLICY_NAME"
	EnvProfileEditPolicy         = "EDIT_PROFILE_POLICY_NAME"
	EnvIDTokenIssuer             = "ID_TOKEN_ISSUER"
	EnvBaseURL                   = "BASE_URL"
	EnvRedirectURI               = "REDIRECT_URI"
	EnvSessionSecret             = "SESSION_SECRET"
	EnvSessionInsecure           = "SESSION_INSECURE"
	EnvProductionMode            = "PRODUCTION_MODE"
	EnvListenAddr                = "LISTEN_ADDR"
	EnvLogLevel                  = "LOG_LEVEL"
)

var envKeys = []string{
	EnvRedisHost, EnvRedisPort, EnvRedisTLS, EnvRedisUser, EnvRedisPassword,
	EnvRedisBase, EnvRedisEntraIdentity, EnvRedisClusterEnabled,
	EnvRedisTokenRefreshInterval, EnvManagedIdentityClientID,
	EnvAzureClientID, EnvAzureClientSecret, EnvAzureTenantName,
	EnvAuthorityDomain, EnvSignInPolicy, EnvPasswordResetPolicy,
	EnvProfileEditPolicy, EnvIDTokenIssuer, EnvBaseURL, EnvRedirectURI,
	EnvSessionSecret, EnvSessionInsecure, EnvProductionMode,
	EnvListenAddr, EnvLogLevel,
}

// BindEnv binds every configuration environment variable on v.
func BindEnv(v *viper.Viper) error {
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// ConfigFromViper overlays values found in v onto [DefaultConfig]. Unset
// keys keep their defaults. The result is not validated.
func ConfigFromViper(v *viper.Viper) (Config, error) {
	if err := BindEnv(v); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	setString := func(dst *string, key string) {
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}
	setBool := func(dst *bool, key string) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	setString(&cfg.Store.Host, EnvRedisHost)
	if v.IsSet(EnvRedisPort) {
		cfg.Store.Port = v.GetInt(EnvRedisPort)
	}
	setBool(&cfg.Store.TLS, EnvRedisTLS)
	setString(&cfg.Store.Username, EnvRedisUser)
	setString(&cfg.Store.Password, EnvRedisPassword)
	setString(&cfg.Store.Base, EnvRedisBase)
	setBool(&cfg.Store.ManagedIdentity, EnvRedisEntraIdentity)
	setBool(&cfg.Store.Cluster, EnvRedisClusterEnabled)
	if v.IsSet(EnvRedisTokenRefreshInterval) {
		ms := v.GetInt64(EnvRedisTokenRefreshInterval)
		if ms < 0 {
			return Config{}, fmt.Errorf("%s must be >= 0", EnvRedisTokenRefreshInterval)
		}
		cfg.Store.TokenRefreshInterval = time.Duration(ms) * time.Millisecond
	}
	setString(&cfg.Store.ManagedIdentityClientID, EnvManagedIdentityClientID)

	setString(&cfg.Provider.ClientID, EnvAzureClientID)
	setString(&cfg.Provider.ClientSecret, EnvAzureClientSecret)
	setString(&cfg.Provider.TenantName, EnvAzureTenantName)
	setString(&cfg.Provider.AuthorityDomain, EnvAuthorityDomain)
	setString(&cfg.Provider.SignInPolicy, EnvSignInPolicy)
	setString(&cfg.Provider.PasswordResetPolicy, EnvPasswordResetPolicy)
	setString(&cfg.Provider.ProfileEditPolicy, EnvProfileEditPolicy)
	setString(&cfg.Provider.IDTokenIssuer, EnvIDTokenIssuer)
	setString(&cfg.Provider.BaseURL, EnvBaseURL)
	setString(&cfg.Provider.RedirectURI, EnvRedirectURI)

	if v.IsSet(EnvSessionSecret) {
		secret, err := hex.DecodeString(strings.TrimSpace(v.GetString(EnvSessionSecret)))
		if err != nil {
			return Config{}, fmt.Errorf("%s must be hex: %w", EnvSessionSecret, err)
		}
		cfg.Session.Secret = secret
	}
	setBool(&cfg.Session.Insecure, EnvSessionInsecure)

	if v.IsSet(EnvProductionMode) && v.GetBool(EnvProductionMode) {
		prod := ProductionConfig()
		cfg.Security = prod.Security
		cfg.Audit.DropIfFull = prod.Audit.DropIfFull
	}

	setString(&cfg.Server.ListenAddr, EnvListenAddr)
	setString(&cfg.Server.LogLevel, EnvLogLevel)

	return cfg, nil
}
