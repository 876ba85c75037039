package domain

import (
	"fmt"
	"strings"
)

// Provider identifies a supported federated identity provider.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderFacebook  Provider = "facebook"
)

// Providers is the ordered set of supported providers.
var Providers = []Provider{ProviderGoogle, ProviderMicrosoft, ProviderFacebook}

// ParseProvider resolves a provider name case-insensitively.
func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", name)
}

func (p Provider) String() string { return string(p) }

// IdentityClaims is what a provider token validator extracts from a verified ID token.
type IdentityClaims struct {
	Provider      Provider
	Subject       string
	Email         string
	EmailVerified bool
	TenantID      string // Microsoft only
	Issuer        string
}
