package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fabian4/gateway-core-go/internal/lb"
)

// Status of a probe endpoint response.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// AliveResponse is the liveness body.
type AliveResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the readiness body; Services maps each referenced
// service to its state.
type ReadyResponse struct {
	Status    Status            `json:"status"`
	Services  map[string]Status `json:"services"`
	Timestamp time.Time         `json:"timestamp"`
}

// PoolLookup resolves a service to its pool. *lb.Registry implements it.
type PoolLookup interface {
	Pool(service string) (*lb.Pool, bool)
}

// Alive only reports that the process is serving.
func Alive(version string, started time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, AliveResponse{
			Status:    StatusHealthy,
			Version:   version,
			Uptime:    time.Since(started).Round(time.Second).String(),
			Timestamp: time.Now().UTC(),
		})
	})
}

// Ready reports healthy when every service returned by services has at
// least one selectable instance.
func Ready(pools PoolLookup, services func() []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := ReadyResponse{
			Status:    StatusHealthy,
			Services:  make(map[string]Status),
			Timestamp: time.Now().UTC(),
		}
		for _, name := range services() {
			p, ok := pools.Pool(name)
			if ok && p.Selectable() {
				resp.Services[name] = StatusHealthy
				continue
			}
			resp.Services[name] = StatusUnhealthy
			resp.Status = StatusUnhealthy
		}
		code := http.StatusOK
		if resp.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
