// Package adminwatch watches a Zookeeper directory znode for
// administrative commands (add, activate, deactivate, remove) and applies
// them to the cluster, using the same recursive watch-then-rearm loop
// shape as any long-lived ZK child watch. There is no leadership
// semantics attached to it: exactly one reconciler consumes every
// mutation, through the same mutex the rest of the scheduler uses.
package adminwatch

import (
	"encoding/json"
	"fmt"

	log "github.com/golang/glog"
	zkCli "github.com/samuel/go-zookeeper/zk"

	"github.com/mesosbroker/broker-scheduler/internal/cluster"
	"github.com/mesosbroker/broker-scheduler/internal/domain"
)

// Op names a supported administrative command.
type Op string

const (
	OpAdd        Op = "add"
	OpActivate   Op = "activate"
	OpDeactivate Op = "deactivate"
	OpRemove     Op = "remove"
)

// Command is the JSON payload stored in each command znode.
type Command struct {
	Op     Op             `json:"op"`
	Id     string         `json:"id,omitempty"`
	Broker *domain.Broker `json:"broker,omitempty"`
}

// AdminCommandInvalidError wraps a command znode this watcher could not
// parse or apply; the offending znode is still removed so it does not
// jam the queue.
type AdminCommandInvalidError struct {
	Znode string
	Cause error
}

func (e *AdminCommandInvalidError) Error() string {
	return fmt.Sprintf("administrative command %s invalid: %v", e.Znode, e.Cause)
}

func (e *AdminCommandInvalidError) Unwrap() error { return e.Cause }

// Watcher watches dir for new command znodes and applies them to c.
type Watcher struct {
	conn    *zkCli.Conn
	dir     string
	cluster *cluster.Cluster
	onApply func()
}

// New returns a Watcher over an already-connected conn. dir must already
// exist; conn typically points at the same Zookeeper ensemble as the
// cluster store.
func New(conn *zkCli.Conn, dir string, c *cluster.Cluster, onApply func()) *Watcher {
	return &Watcher{conn: conn, dir: dir, cluster: c, onApply: onApply}
}

// Run watches for new command znodes until stop is closed. It also
// returns, without re-arming, when setting the watch fails (the error is
// logged) or when the watch fires with an event other than a child change
// or node deletion; no further commands are applied after that.
func (w *Watcher) Run(stop <-chan struct{}) {
	seen := make(map[string]bool)
	w.watch(seen, stop)
}

func (w *Watcher) watch(seen map[string]bool, stop <-chan struct{}) {
	for {
		children, _, events, err := w.conn.ChildrenW(w.dir)
		if err != nil {
			log.Errorf("Failed to watch administrative command directory %s: %v\n", w.dir, err)
			return
		}

		w.applyNew(children, seen)

		select {
		case event := <-events:
			if event.Type == zkCli.EventNodeChildrenChanged || event.Type == zkCli.EventNodeDeleted {
				continue
			}
			return
		case <-stop:
			return
		}
	}
}

// applyNew consumes every child not already in seen: parses it, applies
// it to the cluster, deletes the znode so it is not replayed, and marks
// it seen so a stale read-after-delete race does not reapply it.
func (w *Watcher) applyNew(children []string, seen map[string]bool) {
	mutated := false
	for _, child := range children {
		if seen[child] {
			continue
		}
		seen[child] = true

		path := w.dir + "/" + child
		data, _, err := w.conn.Get(path)
		if err != nil {
			log.Errorf("Failed to read administrative command %s: %v\n", path, err)
			continue
		}

		if err := w.apply(data); err != nil {
			log.Errorf("%v\n", &AdminCommandInvalidError{Znode: path, Cause: err})
		} else {
			mutated = true
		}

		if err := w.conn.Delete(path, -1); err != nil && err != zkCli.ErrNoNode {
			log.Errorf("Failed to remove consumed administrative command %s: %v\n", path, err)
		}
	}

	if mutated && w.onApply != nil {
		w.onApply()
	}
}

func (w *Watcher) apply(data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}

	switch cmd.Op {
	case OpAdd:
		if cmd.Broker == nil || cmd.Broker.Id == "" {
			return fmt.Errorf("add command missing broker")
		}
		if err := w.cluster.AddBroker(cmd.Broker); err != nil {
			return err
		}
	case OpActivate:
		if !w.cluster.SetActive(cmd.Id, true) {
			return fmt.Errorf("activate: unknown broker %q", cmd.Id)
		}
	case OpDeactivate:
		if !w.cluster.SetActive(cmd.Id, false) {
			return fmt.Errorf("deactivate: unknown broker %q", cmd.Id)
		}
	case OpRemove:
		if !w.cluster.RemoveBroker(cmd.Id) {
			return fmt.Errorf("remove: unknown broker %q", cmd.Id)
		}
	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}

	log.Infof("Applied administrative command %s for broker %q\n", cmd.Op, cmd.Id)
	return nil
}
