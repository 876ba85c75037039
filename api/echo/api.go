//nolint:varnamelen
package echo

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"go.pilab.hu/fedauth/api"
	serrors "go.pilab.hu/fedauth/errors"
	"go.pilab.hu/fedauth/middleware"
	"go.pilab.hu/fedauth/services"
	"golang.org/x/oauth2"
)

// SessionFlow is the part of services.SessionService the HTTP surface uses.
type SessionFlow interface {
	middleware.TokenAuthenticator
	SignIn(ctx context.Context, req services.SignInRequest) (*services.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*services.Session, error)
	Logout(ctx context.Context, refreshToken string) error
	ProfileByID(ctx context.Context, accountID string) (*services.AccountSnapshot, error)
	Unlink(ctx context.Context, accountID, provider string) (*services.AccountSnapshot, error)
	Providers() []services.ProviderInfo
}

// AuthAPI exposes the sign-in, refresh and profile endpoints.
type AuthAPI struct {
	sessions SessionFlow
}

func NewAuthAPI(sessions SessionFlow) *AuthAPI {
	return &AuthAPI{sessions: sessions}
}

// RegisterRoutes registers the auth routes.
func (a *AuthAPI) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/auth")
	g.POST("/signin", a.SignInHandler)
	g.POST("/refresh", a.RefreshHandler)
	g.POST("/logout", a.LogoutHandler)
	g.GET("/providers", a.ProvidersHandler)

	bearer := middleware.BearerAuth(a.sessions)
	g.GET("/me", a.MeHandler, bearer)
	g.DELETE("/me/identities/:provider", a.UnlinkHandler, bearer)
}

// SignInHandler exchanges a provider identity for a session.
func (a *AuthAPI) SignInHandler(c echo.Context) error {
	var body api.SignInRequest
	if err := c.Bind(&body); err != nil {
		return writeError(c, serrors.NewMalformedRequest("invalid request body"))
	}
	if strings.TrimSpace(body.Provider) == "" {
		return writeError(c, serrors.NewMalformedRequest("provider is required"))
	}

	session, err := a.sessions.SignIn(c.Request().Context(), services.SignInRequest{
		Provider:    body.Provider,
		IDToken:     body.IDToken,
		SubjectID:   body.ProviderUserID,
		Email:       body.ProviderEmail,
		Audience:    audienceFor(body),
		Credentials: credentialsFor(body),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, api.NewSessionResponse(session))
}

// RefreshHandler rotates a refresh token.
func (a *AuthAPI) RefreshHandler(c echo.Context) error {
	token, err := bindRefreshToken(c)
	if err != nil {
		return writeError(c, err)
	}
	session, err := a.sessions.Refresh(c.Request().Context(), token)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, api.NewSessionResponse(session))
}

// LogoutHandler revokes a refresh token. Unknown tokens still succeed.
func (a *AuthAPI) LogoutHandler(c echo.Context) error {
	token, err := bindRefreshToken(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := a.sessions.Logout(c.Request().Context(), token); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// MeHandler returns the profile of the bearer.
func (a *AuthAPI) MeHandler(c echo.Context) error {
	claims, ok := middleware.Claims(c)
	if !ok {
		return writeError(c, serrors.ErrUnauthorized)
	}
	profile, err := a.sessions.ProfileByID(c.Request().Context(), claims.Subject)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, api.NewProfileResponse(*profile))
}

// UnlinkHandler detaches a provider from the bearer's account.
func (a *AuthAPI) UnlinkHandler(c echo.Context) error {
	claims, ok := middleware.Claims(c)
	if !ok {
		return writeError(c, serrors.ErrUnauthorized)
	}
	profile, err := a.sessions.Unlink(c.Request().Context(), claims.Subject, c.Param("provider"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, api.NewProfileResponse(*profile))
}

// ProvidersHandler lists the supported providers and their public client ids.
func (a *AuthAPI) ProvidersHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, api.NewProvidersResponse(a.sessions.Providers()))
}

func bindRefreshToken(c echo.Context) (string, error) {
	var body api.RefreshRequest
	if err := c.Bind(&body); err != nil {
		return "", serrors.NewMalformedRequest("invalid request body")
	}
	token := strings.TrimSpace(body.RefreshToken)
	if token == "" {
		return "", serrors.NewMalformedRequest("refreshToken is required")
	}
	return token, nil
}

// audienceFor picks the caller's expected audience: the generic client id
// first, then the provider specific one.
func audienceFor(body api.SignInRequest) string {
	if body.ClientID != "" {
		return body.ClientID
	}
	switch strings.ToLower(strings.TrimSpace(body.Provider)) {
	case "google":
		return body.GoogleClientID
	case "microsoft":
		return body.MicrosoftClientID
	case "facebook":
		return body.FacebookAppID
	}
	return ""
}

func credentialsFor(body api.SignInRequest) *oauth2.Token {
	if body.ProviderAccessToken == "" && body.ProviderRefreshToken == "" {
		return nil
	}
	token := &oauth2.Token{
		AccessToken:  body.ProviderAccessToken,
		RefreshToken: body.ProviderRefreshToken,
	}
	if body.ProviderTokenExpiresAt != nil {
		token.Expiry = *body.ProviderTokenExpiresAt
	}
	return token
}

func writeError(c echo.Context, err error) error {
	status := serrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("Auth request failed")
	} else {
		log.Debug().Err(err).Str("path", c.Path()).Msg("Auth request rejected")
	}
	return c.JSON(status, serrors.Public(err))
}
