package api

import "net/http"

// NewRouter registers endpoints. Everything except /health sits behind the
// auth middleware.
func NewRouter(h *Handlers, feed *StatusFeed, auth func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	protected := http.NewServeMux()
	protected.Handle("/scan", method(http.MethodPost, h.Scan))
	protected.Handle("/connect", method(http.MethodPost, h.Connect))
	protected.Handle("/disconnect", method(http.MethodPost, h.Disconnect))
	protected.Handle("/command", method(http.MethodPost, h.Command))
	protected.Handle("/sync", method(http.MethodPost, h.Sync))
	protected.Handle("/aggregate", method(http.MethodGet, h.Aggregate))
	protected.Handle("/status", method(http.MethodGet, h.Status))
	protected.Handle("/identity", identityMethods(h))
	if feed != nil {
		protected.Handle("/ws", method(http.MethodGet, feed.Handle))
	}

	mux.Handle("/health", method(http.MethodGet, Health))
	mux.Handle("/", auth(protected))
	return mux
}

func identityMethods(h *Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.Login(w, r)
		case http.MethodDelete:
			h.Logout(w, r)
		default:
			w.Header().Set("Allow", "POST, DELETE")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func method(expected string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}
