// Package httpapi exposes the administrative surface (declare, activate,
// deactivate, remove brokers) and the artifact file server the launched
// executors fetch their jar and broker distribution from.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"

	log "github.com/golang/glog"

	"github.com/mesosbroker/broker-scheduler/internal/cluster"
	"github.com/mesosbroker/broker-scheduler/internal/domain"
)

// Server is the HTTP admin + artifact surface. It holds no lifecycle of
// its own beyond http.ListenAndServe; cmd/scheduler starts it alongside
// the driver and does not stop it explicitly, so it ends with the process.
type Server struct {
	cluster      *cluster.Cluster
	onMutation   func()
	port         int
	executorDir  string
	kafkaDistDir string
	mux          *http.ServeMux
}

// New returns a Server listening on port. executorDir and kafkaDistDir
// are the directories the artifact endpoints serve files from.
func New(c *cluster.Cluster, onMutation func(), port int, executorDir, kafkaDistDir string) *Server {
	s := &Server{
		cluster:      c,
		onMutation:   onMutation,
		port:         port,
		executorDir:  executorDir,
		kafkaDistDir: kafkaDistDir,
		mux:          http.NewServeMux(),
	}
	s.mux.HandleFunc("/brokers", s.handleBrokersCollection)
	s.mux.HandleFunc("/brokers/", s.handleBrokersItem)
	s.mux.HandleFunc("/artifacts/executor/", s.handleArtifact(executorDir, "/artifacts/executor/"))
	s.mux.HandleFunc("/artifacts/kafka/", s.handleArtifact(kafkaDistDir, "/artifacts/kafka/"))
	return s
}

// ListenAndServe blocks serving the admin and artifact surface. Callers
// typically run it in its own goroutine.
func (s *Server) ListenAndServe() error {
	return http.ListenAndServe(fmt.Sprintf(":%d", s.port), s.mux)
}

func (s *Server) handleBrokersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listBrokers(w, r)
	case http.MethodPost:
		s.addBroker(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listBrokers(w http.ResponseWriter, r *http.Request) {
	snapshot := s.cluster.Snapshot()
	res, err := json.Marshal(snapshot)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(res)
}

func (s *Server) addBroker(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var b domain.Broker
	if err := json.Unmarshal(body, &b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Id == "" {
		http.Error(w, "broker id is required", http.StatusBadRequest)
		return
	}

	if err := s.cluster.AddBroker(&b); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	log.Infof("Declared broker %s via HTTP admin surface\n", b.Id)
	s.triggerMutation()
	w.WriteHeader(http.StatusCreated)
}

// handleBrokersItem dispatches /brokers/{id}[/activate|/deactivate] and
// DELETE /brokers/{id}.
func (s *Server) handleBrokersItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/brokers/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.removeBroker(w, id)
	case len(parts) == 2 && parts[1] == "activate" && r.Method == http.MethodPost:
		s.setActive(w, id, true)
	case len(parts) == 2 && parts[1] == "deactivate" && r.Method == http.MethodPost:
		s.setActive(w, id, false)
	default:
		http.Error(w, "unsupported broker operation", http.StatusMethodNotAllowed)
	}
}

func (s *Server) removeBroker(w http.ResponseWriter, id string) {
	if !s.cluster.RemoveBroker(id) {
		http.Error(w, fmt.Sprintf("broker %q not found", id), http.StatusNotFound)
		return
	}
	log.Infof("Removed broker %s via HTTP admin surface\n", id)
	s.triggerMutation()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setActive(w http.ResponseWriter, id string, active bool) {
	if !s.cluster.SetActive(id, active) {
		http.Error(w, fmt.Sprintf("broker %q not found", id), http.StatusNotFound)
		return
	}
	log.Infof("Set broker %s active=%v via HTTP admin surface\n", id, active)
	s.triggerMutation()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) triggerMutation() {
	if s.onMutation != nil {
		s.onMutation()
	}
}

// handleArtifact returns a handler serving files out of dir via
// net/http.FileServer, stripping prefix from the request path. Each
// artifact kind (executor jar, broker distribution) gets its own
// directory rather than sharing one static root.
func (s *Server) handleArtifact(dir, prefix string) http.HandlerFunc {
	fs := http.FileServer(http.Dir(dir))
	return func(w http.ResponseWriter, r *http.Request) {
		http.StripPrefix(prefix, fs).ServeHTTP(w, r)
	}
}
