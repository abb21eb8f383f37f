package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"paddock.org/internal/auth"
	"paddock.org/internal/obs"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
	refreshPath   = "/api/auth"
)

var errMissingToken = errors.New("missing bearer token")

// authenticate resolves the access token of the request into an
// auth.RequestContext. A token naming an organization the caller no longer
// belongs to is rejected with 403.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := accessToken(r)
		if err != nil {
			a.fail(w, r, auth.ErrInvalidToken)
			return
		}
		rc, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		ctx := auth.ContextWithRequest(r.Context(), rc)
		ctx = obs.ContextWithLogger(ctx, obs.FromContext(ctx).With(
			zap.String("user_id", rc.UserID),
			zap.String("organization_id", rc.OrganizationID()),
		))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessToken prefers the Authorization header over the access cookie.
func accessToken(r *http.Request) (string, error) {
	if h := r.Header.Get(authHeader); h != "" {
		return extractBearerToken(h)
	}
	if c, err := r.Cookie(accessCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", errMissingToken
}

func extractBearerToken(header string) (string, error) {
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errMissingToken
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

// setSessionCookies stores both tokens as HttpOnly cookies. The refresh
// cookie is only sent to the auth endpoints.
func (a *API) setSessionCookies(w http.ResponseWriter, sess *auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookie,
		Value:    sess.AccessToken,
		Path:     "/",
		Expires:  sess.AccessExpiresAt,
		MaxAge:   maxAge(sess.AccessExpiresAt),
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    sess.RefreshToken,
		Path:     refreshPath,
		Expires:  sess.RefreshExpiresAt,
		MaxAge:   maxAge(sess.RefreshExpiresAt),
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	for _, c := range []struct{ name, path string }{{accessCookie, "/"}, {refreshCookie, refreshPath}} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			HttpOnly: true,
			Secure:   a.secureCookies,
		})
	}
}

func maxAge(exp time.Time) int {
	secs := int(time.Until(exp) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
