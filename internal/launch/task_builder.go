// Package launch turns a declared broker plus an accepted offer into a
// Mesos launch descriptor (mesos.TaskInfo).
package launch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gogo/protobuf/proto"
	mesos "github.com/mesos/mesos-go/mesosproto"
	util "github.com/mesos/mesos-go/mesosutil"

	"github.com/mesosbroker/broker-scheduler/internal/domain"
)

// defaultLogDirs is injected when the merged property set has no log.dirs
// of its own.
const defaultLogDirs = "kafka-logs"

// Config carries the deployment-wide settings the task builder needs but
// that do not belong on any one Broker: where the artifact server is, what
// the executor binary is named, and where brokers should point at
// Zookeeper for their own internal coordination.
type Config struct {
	ExecutorCommand  string // invocation, e.g. "java -jar broker-executor.jar"
	Debug            bool
	ArtifactBaseURL  string // e.g. "http://scheduler-host:9090/artifacts"
	ExecutorJar      string
	BrokerDist       string
	ZookeeperConnect string
}

// Builder builds launch descriptors for a fixed deployment Config.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder for cfg.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build constructs the TaskInfo to launch b at port on the slave that made
// offer. The caller is responsible for having already confirmed offer is
// acceptable for b (see offermatch.Acceptable) and for having selected
// port via offermatch.SelectPort.
func (bd *Builder) Build(b *domain.Broker, offer *mesos.Offer, port int32) *mesos.TaskInfo {
	taskId := b.NextTaskId()
	resources := []*mesos.Resource{
		util.NewScalarResource("cpus", b.Cpus),
		util.NewScalarResource("mem", float64(b.Mem)),
		util.NewRangesResource("ports", []*mesos.Value_Range{
			util.NewValueRange(uint64(port), uint64(port)),
		}),
	}

	task := &mesos.TaskInfo{
		Name:      proto.String(fmt.Sprintf("broker-%s", b.Id)),
		TaskId:    &mesos.TaskID{Value: proto.String(taskId)},
		SlaveId:   offer.SlaveId,
		Resources: resources,
		Data:      bd.buildPayload(b, port),
	}

	if b.Container != "" {
		bd.attachContainer(task, b, port)
	} else {
		bd.attachExecutor(task, b)
	}

	return task
}

// attachExecutor wires the bare-command deployment path: a long-lived
// custom executor, invoked with the configured command plus a heap flag
// derived from the broker's declared heap size and an optional debug
// flag, fetching the executor jar and broker distribution from the
// artifact server via the two injected URIs.
func (bd *Builder) attachExecutor(task *mesos.TaskInfo, b *domain.Broker) {
	value := fmt.Sprintf("%s -Xmx%dm", bd.cfg.ExecutorCommand, b.Heap)
	if bd.cfg.Debug {
		value += " -debug"
	}

	cmd := &mesos.CommandInfo{
		Shell: proto.Bool(true),
		Value: proto.String(value),
		Uris: []*mesos.CommandInfo_URI{
			{Value: proto.String(bd.artifactURI("executor", bd.cfg.ExecutorJar)), Executable: proto.Bool(true)},
			{Value: proto.String(bd.artifactURI("kafka", bd.cfg.BrokerDist))},
		},
	}

	task.Executor = &mesos.ExecutorInfo{
		ExecutorId: &mesos.ExecutorID{Value: proto.String(b.NextExecutorId())},
		Name:       proto.String(fmt.Sprintf("broker-%s-executor", b.Id)),
		Command:    cmd,
	}
}

// attachContainer wires the Docker container deployment path: the image
// already bundles the broker distribution, so there is no executor and no
// artifact URIs, just a bridged container with the selected port mapped
// through.
func (bd *Builder) attachContainer(task *mesos.TaskInfo, b *domain.Broker, port int32) {
	containerType := mesos.ContainerInfo_DOCKER
	network := mesos.ContainerInfo_DockerInfo_BRIDGE

	task.Container = &mesos.ContainerInfo{
		Type: &containerType,
		Docker: &mesos.ContainerInfo_DockerInfo{
			Image:   proto.String(b.Container),
			Network: &network,
			PortMappings: []*mesos.ContainerInfo_DockerInfo_PortMapping{
				{
					HostPort:      proto.Uint32(uint32(port)),
					ContainerPort: proto.Uint32(uint32(port)),
					Protocol:      proto.String("tcp"),
				},
			},
		},
	}

	value := fmt.Sprintf("%s -Xmx%dm", bd.cfg.ExecutorCommand, b.Heap)
	if bd.cfg.Debug {
		value += " -debug"
	}
	task.Command = &mesos.CommandInfo{
		Shell: proto.Bool(true),
		Value: proto.String(value),
	}
}

func (bd *Builder) artifactURI(kind, file string) string {
	return strings.TrimSuffix(bd.cfg.ArtifactBaseURL, "/") + "/" + kind + "/" + file
}

// buildPayload merges the broker's optionMap with the injected properties
// and serializes them as a line-oriented key=value text block, the format
// the broker executor launch contract expects.
func (bd *Builder) buildPayload(b *domain.Broker, port int32) []byte {
	props := make(map[string]string, len(b.OptionMap)+4)
	for k, v := range b.OptionMap {
		props[k] = v
	}
	// injected keys take precedence over optionMap
	props["broker.id"] = b.Id
	props["port"] = strconv.Itoa(int(port))
	props["zookeeper.connect"] = bd.cfg.ZookeeperConnect
	if _, ok := props["log.dirs"]; !ok {
		props["log.dirs"] = defaultLogDirs
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(props[k])
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}
