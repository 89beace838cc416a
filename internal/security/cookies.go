package security

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"
)

const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
	CSRFTokenCookie    = "csrf_token"
)

func GetCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

type CookieWriter struct {
	Domain string
	Secure bool
}

// SetAuthCookies writes the token pair. The refresh cookie is path-restricted
// to the refresh/logout routes and SameSite=Strict; the CSRF cookie is
// readable by scripts so clients can echo it in X-CSRF-Token.
func (cw CookieWriter) SetAuthCookies(w http.ResponseWriter, access, refresh, csrf string, accessTTL, refreshTTL time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    access,
		Path:     "/",
		Domain:   cw.Domain,
		MaxAge:   int(accessTTL.Seconds()),
		HttpOnly: true,
		Secure:   cw.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    refresh,
		Path:     "/api/v1/auth",
		Domain:   cw.Domain,
		MaxAge:   int(refreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   cw.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFTokenCookie,
		Value:    csrf,
		Path:     "/",
		Domain:   cw.Domain,
		MaxAge:   int(refreshTTL.Seconds()),
		HttpOnly: false,
		Secure:   cw.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (cw CookieWriter) ClearAuthCookies(w http.ResponseWriter) {
	for _, c := range []struct {
		name, path string
	}{
		{AccessTokenCookie, "/"},
		{RefreshTokenCookie, "/api/v1/auth"},
		{CSRFTokenCookie, "/"},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			Domain:   cw.Domain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   cw.Secure,
		})
	}
}

func NewCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
