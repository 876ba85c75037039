package api

import (
	"time"

	"go.pilab.hu/fedauth/services"
)

// SignInRequest is the body of POST /auth/signin.
type SignInRequest struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"providerUserId,omitempty"`
	ProviderEmail  string `json:"providerEmail,omitempty"`
	IDToken        string `json:"idToken,omitempty"`
	// ClientID is the generic expected audience; the provider specific
	// fields are used when it is empty.
	ClientID          string `json:"clientId,omitempty"`
	GoogleClientID    string `json:"googleClientId,omitempty"`
	MicrosoftClientID string `json:"microsoftClientId,omitempty"`
	FacebookAppID     string `json:"facebookAppId,omitempty"`

	ProviderAccessToken    string     `json:"providerAccessToken,omitempty"`
	ProviderRefreshToken   string     `json:"providerRefreshToken,omitempty"`
	ProviderTokenExpiresAt *time.Time `json:"providerTokenExpiresAt,omitempty"`
}

// RefreshRequest is the body of POST /auth/refresh and POST /auth/logout.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// ProfileResponse is the account view returned by the auth endpoints.
type ProfileResponse struct {
	UserID          string     `json:"userId"`
	Username        string     `json:"username"`
	Email           string     `json:"email"`
	EmailVerified   bool       `json:"emailVerified"`
	DisplayName     string     `json:"displayName"`
	PictureURL      string     `json:"pictureUrl,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastLoginAt     *time.Time `json:"lastLoginAt,omitempty"`
	LoginCount      int        `json:"loginCount"`
	LinkedProviders []string   `json:"linkedProviders"`
}

// SessionResponse is returned by sign-in and refresh.
type SessionResponse struct {
	ProfileResponse
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// ProviderResponse describes one entry of GET /auth/providers.
type ProviderResponse struct {
	Provider        string `json:"provider"`
	ClientID        string `json:"clientId,omitempty"`
	VerifiesIDToken bool   `json:"verifiesIdToken"`
}

type ProvidersResponse struct {
	Providers []ProviderResponse `json:"providers"`
}

func NewProfileResponse(s services.AccountSnapshot) ProfileResponse {
	providers := make([]string, 0, len(s.Providers))
	for _, p := range s.Providers {
		providers = append(providers, p.String())
	}
	return ProfileResponse{
		UserID:          s.ID,
		Username:        s.Username,
		Email:           s.Email,
		EmailVerified:   s.EmailVerified,
		DisplayName:     s.DisplayName,
		PictureURL:      s.PictureURL,
		CreatedAt:       s.CreatedAt,
		LastLoginAt:     s.LastLoginAt,
		LoginCount:      s.LoginCount,
		LinkedProviders: providers,
	}
}

func NewSessionResponse(s *services.Session) SessionResponse {
	return SessionResponse{
		ProfileResponse: NewProfileResponse(s.Account),
		AccessToken:     s.AccessToken,
		RefreshToken:    s.RefreshToken,
		TokenType:       "Bearer",
		ExpiresIn:       s.ExpiresIn,
	}
}

func NewProvidersResponse(infos []services.ProviderInfo) ProvidersResponse {
	out := ProvidersResponse{Providers: make([]ProviderResponse, 0, len(infos))}
	for _, info := range infos {
		out.Providers = append(out.Providers, ProviderResponse{
			Provider:        info.Provider.String(),
			ClientID:        info.ClientID,
			VerifiesIDToken: info.VerifiesIDToken,
		})
	}
	return out
}
