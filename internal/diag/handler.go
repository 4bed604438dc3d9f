package diag

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"

	log "github.com/golang/glog"
)

// diagnostic is the subset of Service the HTTP handler needs; it exists
// so tests can substitute a fake instead of a live Docker daemon.
type diagnostic interface {
	ContainerForTask(taskId string) (string, error)
	Exec(containerId string, cmd []string) ([]byte, error)
}

// Handler exposes a diagnostic over HTTP for ad hoc operator use. It is
// wired up separately from the main admin surface (internal/httpapi)
// since it is optional and slave-local rather than part of the
// scheduler's own reconciliation surface.
type Handler struct {
	svc diagnostic
}

// NewHandler wraps svc for HTTP access.
func NewHandler(svc diagnostic) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the diagnostic routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/diagnose/", h.handle)
}

type execRequest struct {
	Cmd []string `json:"cmd"`
}

type execResponse struct {
	ContainerId string `json:"containerId"`
	Output      string `json:"output"`
}

// handle serves:
//
//	GET  /diagnose/{taskId}        -> {"containerId": "..."}
//	POST /diagnose/{taskId}/exec   -> {"cmd": [...]} -> {"containerId", "output"}
//
// The container is looked up by the full task id; the broker id derived
// from it is used only in log lines.
func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/diagnose/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	ref := idFromAny(parts[0])

	containerId, err := h.svc.ContainerForTask(parts[0])
	if err != nil {
		log.Errorf("diag: no container for %s (broker %s): %v\n", parts[0], ref, err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if len(parts) == 1 {
		json.NewEncoder(w).Encode(map[string]string{"containerId": containerId})
		return
	}

	if parts[1] != "exec" || r.Method != http.MethodPost {
		http.Error(w, "unsupported diagnostic operation", http.StatusMethodNotAllowed)
		return
	}

	body, err := ioutil.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req execRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := h.svc.Exec(containerId, req.Cmd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(execResponse{ContainerId: containerId, Output: string(out)})
}
