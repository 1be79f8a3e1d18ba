// pages.go -- The few HTML pages the redirects land on.
//
// The frontend proper is served elsewhere; these give /, /confirm, and /dash
// a real response so login, registration, and logout never end on a 404.
package auth

import (
	"bytes"
	"html/template"
	"net/http"
)

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}} - Pupil</title></head>
<body>
<h1>{{.Title}}</h1>
{{range .Lines}}<p>{{.}}</p>
{{end}}</body>
</html>
`))

type page struct {
	Title string
	Lines []string
}

func renderPage(w http.ResponseWriter, r *http.Request, p page) {
	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, p); err != nil {
		logError(r, "rendering page", "title", p.Title, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// Home handles GET /.
func (h *AuthHandler) Home(w http.ResponseWriter, r *http.Request) {
	renderPage(w, r, page{Title: "Welcome", Lines: []string{"Log in or create an account to get started."}})
}

// ConfirmPending handles GET /confirm, where unconfirmed logins and new
// registrations are sent.
func (h *AuthHandler) ConfirmPending(w http.ResponseWriter, r *http.Request) {
	renderPage(w, r, page{Title: "Confirm your email", Lines: []string{
		"We sent a confirmation link to your email address.",
		"Follow it to activate your account, then log in.",
	}})
}

// Dashboard handles GET /dash. Requires RedirectWithoutSession.
func (h *AuthHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		SeeOther(w, r, HomePath)
		return
	}
	renderPage(w, r, page{Title: "Dashboard", Lines: []string{"Signed in as " + claims.Name + " (" + claims.Username + ")."}})
}
