package server

import "net/http"

const (
	tokenCookieName    = "jwt"
	usernameCookieName = "username"
)

// cookieOptions controls the attributes of session cookies.
type cookieOptions struct {
	Path     string
	Secure   bool
	SameSite http.SameSite
}

func (o cookieOptions) normalize() cookieOptions {
	if o.Path == "" {
		o.Path = "/"
	}
	if o.SameSite == 0 {
		o.SameSite = http.SameSiteLaxMode
	}
	return o
}

// clearCookie expires the named cookie on the client.
func clearCookie(w http.ResponseWriter, name string, opts cookieOptions) {
	opts = opts.normalize()

	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     opts.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: opts.SameSite,
	})
}
