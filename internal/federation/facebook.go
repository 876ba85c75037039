package federation

import "go.pilab.hu/fedauth/domain"

// FacebookDiscoveryURL serves the key set for Facebook Limited Login tokens.
// Classic Facebook Login has no ID token; those sign-ins carry a caller-supplied
// subject id instead.
var FacebookDiscoveryURL = "https://limited.facebook.com/.well-known/openid-configuration/"

const facebookIssuer = "https://www.facebook.com"

// NewFacebookValidator validates Facebook Limited Login ID tokens.
func NewFacebookValidator(keys *KeySetCache, cfg ValidatorConfig) TokenValidator {
	return newIDTokenValidator(providerProfile{
		provider:            domain.ProviderFacebook,
		defaultDiscoveryURL: FacebookDiscoveryURL,
		checkClaims:         issuerIn(facebookIssuer),
		identity: func(c *idTokenClaims) *domain.IdentityClaims {
			return &domain.IdentityClaims{
				Provider: domain.ProviderFacebook,
				Subject:  c.Subject,
				Email:    c.Email,
				Issuer:   c.Issuer,
			}
		},
	}, keys, cfg)
}
