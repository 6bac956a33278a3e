package credential

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"go.uber.org/zap"
)

// RedisResource is the Entra resource of Azure Cache for Redis.
const RedisResource = "https://redis.azure.com"

// ManagedIdentity fetches tokens for the workload's managed identity
// through azidentity. The SDK picks the App Service endpoint when
// IDENTITY_ENDPOINT and IDENTITY_HEADER are set and the instance metadata
// service otherwise.
type ManagedIdentity struct {
	cred     azcore.TokenCredential
	resource string
	log      *zap.Logger
}

// ManagedIdentityOption configures ManagedIdentity.
type ManagedIdentityOption func(*managedIdentityConfig)

type managedIdentityConfig struct {
	transport  policy.Transporter
	clientID   string
	resource   string
	maxRetries int32
	retryDelay time.Duration
	log        *zap.Logger
}

// WithHTTPClient sends identity requests through c.
func WithHTTPClient(c *http.Client) ManagedIdentityOption {
	return func(m *managedIdentityConfig) {
		if c != nil {
			m.transport = c
		}
	}
}

// WithTransport sends identity requests through t.
func WithTransport(t policy.Transporter) ManagedIdentityOption {
	return func(m *managedIdentityConfig) {
		if t != nil {
			m.transport = t
		}
	}
}

// WithClientID selects a user-assigned identity.
func WithClientID(id string) ManagedIdentityOption {
	return func(m *managedIdentityConfig) {
		m.clientID = id
	}
}

// WithResource overrides the token audience.
func WithResource(resource string) ManagedIdentityOption {
	return func(m *managedIdentityConfig) {
		if resource != "" {
			m.resource = resource
		}
	}
}

// WithRetry bounds the retries made per Token call and sets the first
// retry delay.
func WithRetry(maxRetries int32, delay time.Duration) ManagedIdentityOption {
	return func(m *managedIdentityConfig) {
		if maxRetries > 0 {
			m.maxRetries = maxRetries
		}
		if delay > 0 {
			m.retryDelay = delay
		}
	}
}

// WithSourceLogger sets the logger.
func WithSourceLogger(l *zap.Logger) ManagedIdentityOption {
	return func(m *managedIdentityConfig) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManagedIdentity returns a Source for the ambient managed identity.
func NewManagedIdentity(opts ...ManagedIdentityOption) (*ManagedIdentity, error) {
	cfg := managedIdentityConfig{
		resource:   RedisResource,
		maxRetries: 3,
		retryDelay: 200 * time.Millisecond,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	azopts := &azidentity.ManagedIdentityCredentialOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    cfg.maxRetries,
				RetryDelay:    cfg.retryDelay,
				MaxRetryDelay: 10 * cfg.retryDelay,
			},
		},
	}
	if cfg.transport != nil {
		azopts.ClientOptions.Transport = cfg.transport
	}
	if cfg.clientID != "" {
		azopts.ID = azidentity.ClientID(cfg.clientID)
	}

	cred, err := azidentity.NewManagedIdentityCredential(azopts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}
	return &ManagedIdentity{cred: cred, resource: cfg.resource, log: cfg.log}, nil
}

// Token returns an access token for the configured resource. Transient
// failures are retried by the SDK pipeline; the final error wraps
// ErrCredentialUnavailable.
func (m *ManagedIdentity) Token(ctx context.Context) (AccessToken, error) {
	tok, err := m.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{scope(m.resource)},
	})
	if err != nil {
		m.log.Debug("managed identity token request failed", zap.Error(err))
		return AccessToken{}, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}
	return AccessToken{Token: tok.Token, ExpiresOn: tok.ExpiresOn}, nil
}

func scope(resource string) string {
	return strings.TrimSuffix(resource, "/") + "/.default"
}
