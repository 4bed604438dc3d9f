// Package diag is an optional, slave-local diagnostic sidecar: given a
// running broker's task id it finds the backing Docker container and
// execs a one-off command into it, for operator troubleshooting. It
// never touches cluster or reconciler state.
package diag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"

	dc "github.com/samalba/dockerclient"

	"github.com/mesosbroker/broker-scheduler/internal/domain"
)

// Service locates and execs into the Docker container running a given
// broker's task, identified by the MESOS_TASK_ID environment variable
// every launched container carries.
type Service struct {
	client *dc.DockerClient
	raw    *rawExecClient
}

// NewService connects to the Docker daemon at unixSocket (typically
// "unix:///var/run/docker.sock").
func NewService(unixSocket string) (*Service, error) {
	client, err := dc.NewDockerClient(unixSocket, nil)
	if err != nil {
		return nil, err
	}
	raw, err := newRawExecClient(unixSocket)
	if err != nil {
		return nil, err
	}
	return &Service{client: client, raw: raw}, nil
}

// ContainerForTask returns the Docker container id running taskId, or an
// error if none is found among currently running containers.
func (s *Service) ContainerForTask(taskId string) (string, error) {
	containers, err := s.client.ListContainers(false, false, "")
	if err != nil {
		return "", err
	}

	want := fmt.Sprintf("MESOS_TASK_ID=%s", taskId)
	for _, c := range containers {
		info, err := s.client.InspectContainer(c.Id)
		if err != nil {
			continue
		}
		for _, env := range info.Config.Env {
			if env == want {
				return c.Id, nil
			}
		}
	}
	return "", fmt.Errorf("no container found running task %s", taskId)
}

// Exec runs cmd inside containerId and returns its combined output. The
// stock dockerclient's ExecStart does not surface the attached stream in
// the version this module depends on, so a small raw HTTP client talks
// to the exec-start endpoint directly over the same Unix socket.
func (s *Service) Exec(containerId string, cmd []string) ([]byte, error) {
	execId, err := s.client.ExecCreate(&dc.ExecConfig{
		AttachStdin:  false,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		Container:    containerId,
		Tty:          true,
	})
	if err != nil {
		return nil, err
	}
	return s.raw.execStart(execId)
}

// rawExecClient is a minimal HTTP client over the Docker Unix socket,
// used only for the one endpoint the vendored dockerclient mishandles.
type rawExecClient struct {
	httpClient *http.Client
	base       *url.URL
}

func newRawExecClient(unixSocket string) (*rawExecClient, error) {
	u, err := url.Parse(unixSocket)
	if err != nil {
		return nil, err
	}
	socketPath := u.Path
	transport := &http.Transport{
		Dial: func(proto, addr string) (net.Conn, error) {
			return net.Dial("unix", socketPath)
		},
	}
	u.Scheme = "http"
	u.Host = "unix.sock"
	u.Path = ""
	return &rawExecClient{httpClient: &http.Client{Transport: transport}, base: u}, nil
}

func (c *rawExecClient) execStart(execId string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Detach bool `json:"Detach"`
		Tty    bool `json:"Tty"`
	}{Detach: false, Tty: false})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", c.base.String()+"/exec/"+execId+"/start", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return ioutil.ReadAll(res.Body)
}

// idFromAny accepts either a bare broker id or a task id and normalizes
// to the broker id. The diagnostic handler uses it only for logging; the
// container lookup itself needs the task id.
func idFromAny(s string) string {
	return domain.IdFromTaskId(s)
}
