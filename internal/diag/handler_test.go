package diag

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeDiagnostic struct {
	containers map[string]string
	execOutput []byte
	execErr    error
	lastCmd    []string
}

func (f *fakeDiagnostic) ContainerForTask(taskId string) (string, error) {
	c, ok := f.containers[taskId]
	if !ok {
		return "", assert.AnError
	}
	return c, nil
}

func (f *fakeDiagnostic) Exec(containerId string, cmd []string) ([]byte, error) {
	f.lastCmd = cmd
	return f.execOutput, f.execErr
}

func TestDiagnoseReturnsContainerId(t *testing.T) {
	fake := &fakeDiagnostic{containers: map[string]string{"0-1": "container-abc"}}
	h := NewHandler(fake)
	mux := http.NewServeMux()
	h.Register(mux)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/diagnose/0-1", nil)
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var res map[string]string
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "container-abc", res["containerId"])
}

func TestDiagnoseUnknownTaskReturns404(t *testing.T) {
	fake := &fakeDiagnostic{containers: map[string]string{}}
	h := NewHandler(fake)
	mux := http.NewServeMux()
	h.Register(mux)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/diagnose/missing", nil)
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDiagnoseExecRunsCommandAgainstContainer(t *testing.T) {
	fake := &fakeDiagnostic{
		containers: map[string]string{"0-1": "container-abc"},
		execOutput: []byte("ok"),
	}
	h := NewHandler(fake)
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(execRequest{Cmd: []string{"kafka-topics.sh", "--list"}})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/diagnose/0-1/exec", bytes.NewReader(body))
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var res execResponse
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "container-abc", res.ContainerId)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, []string{"kafka-topics.sh", "--list"}, fake.lastCmd)
}
