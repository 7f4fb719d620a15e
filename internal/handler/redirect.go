package handler

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/dukerupert/hireproof/internal/token"
)

const (
	outcomePassed = "passed"
	outcomeFailed = "failed"
)

// RedirectHandler resolves signed redirect tokens without touching storage.
type RedirectHandler struct {
	tokens *token.Service
}

func NewRedirectHandler(tokens *token.Service) *RedirectHandler {
	return &RedirectHandler{tokens: tokens}
}

func (h *RedirectHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tok := q.Get("token")
	if tok == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "token is required")
		return
	}
	var passed bool
	switch q.Get("outcome") {
	case outcomePassed:
		passed = true
	case outcomeFailed:
	default:
		writeError(w, http.StatusBadRequest, "validation_failed", "outcome must be passed or failed")
		return
	}

	d, err := h.tokens.ParseRedirectToken(tok)
	if errors.Is(err, token.ErrExpired) {
		writeError(w, http.StatusGone, "expired_token", "redirect token expired")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_token", "invalid redirect token")
		return
	}

	dest := d.For(passed)
	u, err := url.Parse(dest)
	if dest == "" || err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		writeError(w, http.StatusNotFound, "no_destination", "no destination for this outcome")
		return
	}
	http.Redirect(w, r, dest, http.StatusFound)
}
