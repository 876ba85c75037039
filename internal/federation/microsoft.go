package federation

import (
	"fmt"
	"slices"
	"strings"

	"go.pilab.hu/fedauth/domain"
)

var MicrosoftDiscoveryURL = "https://login.microsoftonline.com/common/v2.0/.well-known/openid-configuration"

const (
	microsoftIssuerPrefix = "https://login.microsoftonline.com/"
	microsoftIssuerSuffix = "/v2.0"
)

// NewMicrosoftValidator validates Microsoft identity platform (v2.0) ID tokens.
// The multi-tenant endpoint publishes one key set for every tenant, so the
// issuer is checked against the tenant template after the signature verifies.
func NewMicrosoftValidator(keys *KeySetCache, cfg ValidatorConfig) TokenValidator {
	allowed := make([]string, 0, len(cfg.AllowedTenants))
	for _, t := range cfg.AllowedTenants {
		if t = strings.TrimSpace(t); t != "" {
			allowed = append(allowed, strings.ToLower(t))
		}
	}

	return newIDTokenValidator(providerProfile{
		provider:            domain.ProviderMicrosoft,
		defaultDiscoveryURL: MicrosoftDiscoveryURL,
		checkClaims: func(c *idTokenClaims) error {
			if !strings.HasPrefix(c.Issuer, microsoftIssuerPrefix) || !strings.HasSuffix(c.Issuer, microsoftIssuerSuffix) {
				return fmt.Errorf("%w: %q", ErrIssuerNotAllowed, c.Issuer)
			}
			if c.TenantID != "" && c.Issuer != microsoftIssuerPrefix+c.TenantID+microsoftIssuerSuffix {
				return fmt.Errorf("%w: issuer %q does not match tenant %q", ErrIssuerNotAllowed, c.Issuer, c.TenantID)
			}
			if len(allowed) > 0 && (c.TenantID == "" || !slices.Contains(allowed, strings.ToLower(c.TenantID))) {
				return fmt.Errorf("%w: %q", ErrTenantNotAllowed, c.TenantID)
			}
			return nil
		},
		identity: func(c *idTokenClaims) *domain.IdentityClaims {
			email := c.PreferredUsername
			if email == "" {
				email = c.Email
			}
			return &domain.IdentityClaims{
				Provider: domain.ProviderMicrosoft,
				Subject:  c.Subject,
				Email:    email,
				TenantID: c.TenantID,
				Issuer:   c.Issuer,
			}
		},
	}, keys, cfg)
}
