package api

import (
	_ "embed"
	"net/http"
)

//go:embed index.html
var indexPage []byte

// Index handles GET /: the built-in viewer page.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(indexPage)
}
