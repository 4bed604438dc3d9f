// Command scheduler runs the broker scheduler: it registers with a Mesos
// master, declares and converges brokers against resource offers, and
// exposes an HTTP admin surface alongside a Zookeeper administrative
// channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gogo/protobuf/proto"
	log "github.com/golang/glog"
	mesos "github.com/mesos/mesos-go/mesosproto"
	sched "github.com/mesos/mesos-go/scheduler"
	zkCli "github.com/samuel/go-zookeeper/zk"

	"github.com/mesosbroker/broker-scheduler/internal/adminwatch"
	"github.com/mesosbroker/broker-scheduler/internal/cluster"
	"github.com/mesosbroker/broker-scheduler/internal/delaywake"
	"github.com/mesosbroker/broker-scheduler/internal/diag"
	"github.com/mesosbroker/broker-scheduler/internal/httpapi"
	"github.com/mesosbroker/broker-scheduler/internal/launch"
	"github.com/mesosbroker/broker-scheduler/internal/reconciler"
)

func main() {
	mesosMaster := flag.String("master", "127.0.0.1:5050", "Mesos master address")
	frameworkUser := flag.String("user", "", "framework user")
	frameworkName := flag.String("name", "broker-scheduler", "framework name")
	zkServers := flag.String("zk", "127.0.0.1:2181", "comma-separated Zookeeper servers")
	zkRoot := flag.String("zk-root", "/broker-scheduler", "Zookeeper root path for cluster state and admin commands")

	httpPort := flag.Int("http-port", 9090, "HTTP admin + artifact server port")
	artifactBaseURL := flag.String("artifact-base-url", "http://127.0.0.1:9090/artifacts", "base URL executors use to fetch artifacts")
	executorDir := flag.String("executor-dir", "./artifacts/executor", "directory the executor jar is served from")
	kafkaDistDir := flag.String("kafka-dist-dir", "./artifacts/kafka", "directory the broker distribution is served from")
	executorJar := flag.String("executor-jar", "broker-executor.jar", "executor jar file name")
	brokerDist := flag.String("broker-dist", "kafka_2.11-0.10.2.1.tgz", "broker distribution file name")
	executorCommand := flag.String("executor-command", "java -jar broker-executor.jar", "executor invocation command")
	debug := flag.Bool("debug", false, "attach the debug flag to launched executors")

	diagDockerSocket := flag.String("diag-docker-socket", "", "unix docker socket for the diagnostic sidecar; empty disables it")
	diagPort := flag.Int("diag-port", 9091, "port for the optional diagnostic sidecar HTTP surface")

	flag.Parse()

	servers := strings.Split(*zkServers, ",")

	store := cluster.NewZkStore(servers, *zkRoot)
	if err := store.Open(); err != nil {
		log.Exitf("Failed to open cluster store: %v", err)
	}
	defer store.Close()

	c := cluster.New(store)
	if err := c.Load(true); err != nil {
		log.Exitf("Failed to load cluster state: %v", err)
	}

	builder := launch.NewBuilder(launch.Config{
		ExecutorCommand:  *executorCommand,
		Debug:            *debug,
		ArtifactBaseURL:  *artifactBaseURL,
		ExecutorJar:      *executorJar,
		BrokerDist:       *brokerDist,
		ZookeeperConnect: *zkServers + *zkRoot,
	})

	delay := delaywake.NewQueue()
	r := reconciler.New(c, builder, delay)

	driverConf := sched.DriverConfig{
		Scheduler: r,
		Framework: &mesos.FrameworkInfo{
			User: proto.String(*frameworkUser),
			Name: proto.String(*frameworkName),
		},
		Master:     *mesosMaster,
		Credential: (*mesos.Credential)(nil),
	}
	driver, err := sched.NewMesosSchedulerDriver(driverConf)
	if err != nil {
		log.Exitf("Failed to create scheduler driver: %v", err)
	}

	delayStop := make(chan struct{})
	go r.RunDelayWakes(delayStop)
	go delay.Run(context.Background())

	adminConn, _, err := zkCli.Connect(servers, 3*time.Second)
	if err != nil {
		log.Exitf("Failed to connect to Zookeeper for administrative channel: %v", err)
	}
	defer adminConn.Close()
	adminDir := *zkRoot + "/commands"
	ensureZnode(adminConn, adminDir)
	watcher := adminwatch.New(adminConn, adminDir, c, r.TriggerAdminMutation)
	adminStop := make(chan struct{})
	go watcher.Run(adminStop)

	httpServer := httpapi.New(c, r.TriggerAdminMutation, *httpPort, *executorDir, *kafkaDistDir)
	if *diagDockerSocket != "" {
		diagSvc, err := diag.NewService(*diagDockerSocket)
		if err != nil {
			log.Errorf("Failed to start diagnostic sidecar: %v\n", err)
		} else {
			diagMux := http.NewServeMux()
			diag.NewHandler(diagSvc).Register(diagMux)
			go func() {
				if err := http.ListenAndServe(fmt.Sprintf(":%d", *diagPort), diagMux); err != nil {
					log.Errorf("Diagnostic sidecar HTTP server stopped: %v\n", err)
				}
			}()
			log.Infoln("Diagnostic sidecar enabled at", *diagDockerSocket)
		}
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			log.Errorf("HTTP admin server stopped: %v\n", err)
		}
	}()

	go captureInterrupt(driver)

	status, err := driver.Run()
	close(delayStop)
	close(adminStop)

	if err != nil {
		log.Errorf("Framework stopped with status %s and error: %s\n", status.String(), err.Error())
		os.Exit(1)
	}
	if status != mesos.Status_DRIVER_STOPPED {
		os.Exit(1)
	}
}

func ensureZnode(conn *zkCli.Conn, path string) {
	exists, _, err := conn.Exists(path)
	if err != nil {
		log.Errorf("Failed to check administrative command directory %s: %v\n", path, err)
		return
	}
	if !exists {
		acl := zkCli.WorldACL(zkCli.PermAll)
		if _, err := conn.Create(path, []byte{}, 0, acl); err != nil && err != zkCli.ErrNodeExists {
			log.Errorf("Failed to create administrative command directory %s: %v\n", path, err)
		}
	}
}

// captureInterrupt handles SIGINT/SIGTERM by aborting the driver so Run()
// returns and the process can exit cleanly instead of being killed
// mid-reconcile.
func captureInterrupt(driver sched.SchedulerDriver) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	log.Infoln("Interruption received, stopping scheduler driver")
	if _, err := driver.Abort(); err != nil {
		log.Errorf("Failed to abort driver cleanly: %v\n", err)
	}
}
