package cluster

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	zkCli "github.com/samuel/go-zookeeper/zk"

	"github.com/mesosbroker/broker-scheduler/internal/domain"
)

// ZkStore persists the cluster snapshot as a single JSON-encoded znode.
// Unlike a per-task znode layout, the whole declared cluster is small and
// bounded by operator-declared broker count, so one blob under one znode
// (rootDir + "/cluster") is the Zookeeper analogue of a tempfile-then-
// rename write: a single Set either lands the new snapshot whole or fails
// outright, and never leaves a half-written one behind.
type ZkStore struct {
	hostports []string
	rootDir   string
	timeout   time.Duration
	flags     int32
	acl       []zkCli.ACL
	conn      *zkCli.Conn
}

// NewZkStore builds a store rooted at rootDir (e.g. "/broker-scheduler")
// against the given Zookeeper ensemble.
func NewZkStore(servers []string, rootDir string) *ZkStore {
	return &ZkStore{
		hostports: servers,
		rootDir:   rootDir,
		timeout:   3 * time.Second,
		flags:     int32(0), // persistent node
		acl:       zkCli.WorldACL(zkCli.PermAll),
	}
}

func (zk *ZkStore) Open() error {
	if !strings.HasPrefix(zk.rootDir, "/") {
		return fmt.Errorf("root dir must start with '/'")
	}
	zk.rootDir = strings.TrimSuffix(zk.rootDir, "/")

	conn, _, err := zkCli.Connect(zk.hostports, zk.timeout)
	if err != nil {
		return err
	}

	exists, _, err := conn.Exists(zk.rootDir)
	if err != nil {
		conn.Close()
		return err
	}
	if !exists {
		if err := zk.createDir(conn, zk.rootDir); err != nil {
			conn.Close()
			return err
		}
	}

	zk.conn = conn
	return nil
}

func (zk *ZkStore) Close() error {
	zk.conn.Close()
	return nil
}

func (zk *ZkStore) clusterPath() string {
	return zk.rootDir + "/cluster"
}

// Save writes the snapshot, creating the znode on first use and setting it
// thereafter.
func (zk *ZkStore) Save(brokers []*domain.Broker) error {
	data, err := json.Marshal(brokers)
	if err != nil {
		return err
	}

	exists, _, err := zk.conn.Exists(zk.clusterPath())
	if err != nil {
		return err
	}
	if !exists {
		_, err = zk.conn.Create(zk.clusterPath(), data, zk.flags, zk.acl)
		return err
	}
	_, err = zk.conn.Set(zk.clusterPath(), data, -1)
	return err
}

// Load reads the snapshot. A never-saved cluster (znode absent) loads as
// empty, not an error, so a brand-new deployment can start cleanly.
func (zk *ZkStore) Load() ([]*domain.Broker, error) {
	exists, _, err := zk.conn.Exists(zk.clusterPath())
	if err != nil {
		return nil, err
	}
	if !exists {
		return make([]*domain.Broker, 0), nil
	}

	data, _, err := zk.conn.Get(zk.clusterPath())
	if err != nil {
		return nil, err
	}

	var brokers []*domain.Broker
	if err := json.Unmarshal(data, &brokers); err != nil {
		return nil, err
	}
	return brokers, nil
}

func (zk *ZkStore) createDir(conn *zkCli.Conn, dir string) error {
	dir = strings.TrimPrefix(dir, "/")
	dir = strings.TrimSuffix(dir, "/")
	paths := strings.Split(dir, "/")
	data := make([]byte, 0)

	cur := "/" + paths[0]
	_, lastErr := conn.Create(cur, data, zk.flags, zk.acl) // ignore "already exists" on intermediate paths
	for _, p := range paths[1:] {
		cur += "/" + p
		_, lastErr = conn.Create(cur, data, zk.flags, zk.acl)
	}
	if lastErr == zkCli.ErrNodeExists {
		return nil
	}
	return lastErr
}
