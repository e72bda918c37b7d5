package broadcast

import (
	"encoding/json"
	"net/http"
)

// NewMux routes the WebSocket feed on "/" and "/ws", the current snapshot on
// "/snapshot" and, when save is not nil, session uploads on "/save_metrics".
func NewMux(hub *Hub, source Snapshotter, save http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/", hub)
	mux.Handle("/ws", hub)
	mux.Handle("/snapshot", withCORS(snapshotHandler(source)))
	if save != nil {
		mux.Handle("/save_metrics", withCORS(save))
	}
	return mux
}

func snapshotHandler(source Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		snap := source.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(NewMessage(snap, snap.At))
	}
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}
