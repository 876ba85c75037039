package federation

import "go.pilab.hu/fedauth/domain"

var GoogleDiscoveryURL = "https://accounts.google.com/.well-known/openid-configuration"

// GoogleIssuers are the issuer values Google puts in ID tokens.
var GoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// NewGoogleValidator validates Google Sign-In ID tokens.
func NewGoogleValidator(keys *KeySetCache, cfg ValidatorConfig) TokenValidator {
	return newIDTokenValidator(providerProfile{
		provider:            domain.ProviderGoogle,
		defaultDiscoveryURL: GoogleDiscoveryURL,
		checkClaims:         issuerIn(GoogleIssuers...),
		identity: func(c *idTokenClaims) *domain.IdentityClaims {
			return &domain.IdentityClaims{
				Provider:      domain.ProviderGoogle,
				Subject:       c.Subject,
				Email:         c.Email,
				EmailVerified: bool(c.EmailVerified),
				Issuer:        c.Issuer,
			}
		},
	}, keys, cfg)
}
