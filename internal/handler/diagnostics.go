package handler

import (
	"net/http"

	"github.com/fabian4/gateway-core-go/internal/lb"
)

// poolsResponse is served at /-/pools.
type poolsResponse struct {
	Pools []lb.PoolState `json:"pools"`
}

// Pools serves a read-only JSON snapshot of every service pool.
func Pools(reg *lb.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, poolsResponse{Pools: reg.Snapshot()})
	})
}
