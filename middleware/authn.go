package middleware

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	serrors "go.pilab.hu/fedauth/errors"
	"go.pilab.hu/fedauth/services"
)

// claimsKey is the echo context key holding the verified access token claims.
const claimsKey = "fedauth.claims"

type claimsCtxKey struct{}

// TokenAuthenticator verifies a bearer access token.
type TokenAuthenticator interface {
	Authenticate(accessToken string) (*services.AccessTokenClaims, error)
}

// BearerAuth rejects requests without a valid "Authorization: Bearer" access
// token. Verified claims are stored on both the echo and the request context.
func BearerAuth(auth TokenAuthenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer`)
				return c.JSON(serrors.HTTPStatus(serrors.ErrUnauthorized), serrors.ErrUnauthorized)
			}

			claims, err := auth.Authenticate(raw)
			if err != nil {
				log.Debug().Err(err).Str("path", c.Path()).Msg("bearer token rejected")
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
				return c.JSON(serrors.HTTPStatus(err), serrors.Public(err))
			}

			c.Set(claimsKey, claims)
			ctx := context.WithValue(c.Request().Context(), claimsCtxKey{}, claims)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Claims returns the claims BearerAuth stored on c.
func Claims(c echo.Context) (*services.AccessTokenClaims, bool) {
	claims, ok := c.Get(claimsKey).(*services.AccessTokenClaims)
	return claims, ok && claims != nil
}

// ClaimsFromContext returns the claims BearerAuth stored on the request context.
func ClaimsFromContext(ctx context.Context) (*services.AccessTokenClaims, bool) {
	claims, ok := ctx.Value(claimsCtxKey{}).(*services.AccessTokenClaims)
	return claims, ok && claims != nil
}
