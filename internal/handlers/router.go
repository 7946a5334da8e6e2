package handlers

import "net/http"

// Router builds the worker's HTTP route table.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/crawl", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleCrawl(w, r)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleHealth(w, r)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleStatus(w, r)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		h.HandleNotFound(w, r)
	})

	return mux
}
