// Package reconciler drives the scheduler's single convergence loop: it
// receives every Mesos callback and every internal event (delay-wake,
// administrative mutation) and folds them into one reconcile pass that
// launches, declines, and kills against the current declared cluster.
package reconciler

import (
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	log "github.com/golang/glog"
	mesos "github.com/mesos/mesos-go/mesosproto"
	sched "github.com/mesos/mesos-go/scheduler"

	"github.com/mesosbroker/broker-scheduler/internal/cluster"
	"github.com/mesosbroker/broker-scheduler/internal/delaywake"
	"github.com/mesosbroker/broker-scheduler/internal/domain"
	"github.com/mesosbroker/broker-scheduler/internal/launch"
	"github.com/mesosbroker/broker-scheduler/internal/offermatch"
)

// Clock is the single seam for "now" so tests can drive backoff windows
// deterministically.
type Clock func() time.Time

// Reconciler implements the mesos-go scheduler.Scheduler callback set and
// funnels every callback, plus the delay-wake and administrative-mutation
// events, through one mutex-guarded reconcile pass. It owns taskIds, the
// set of launched task ids still awaiting a terminal status, keyed to the
// broker id that requested them; tasks are killed by id, not by broker, so
// this is the only way to recognize an orphan once its broker is gone.
type Reconciler struct {
	mu      sync.Mutex
	cluster *cluster.Cluster
	builder *launch.Builder
	delay   *delaywake.Queue
	clock   Clock
	driver  sched.SchedulerDriver
	taskIds map[string]string
}

// New returns a Reconciler over cluster, using builder to turn matched
// offers into launch descriptors and delay to schedule backoff wakes.
func New(c *cluster.Cluster, builder *launch.Builder, delay *delaywake.Queue) *Reconciler {
	return &Reconciler{
		cluster: c,
		builder: builder,
		delay:   delay,
		clock:   time.Now,
		taskIds: make(map[string]string),
	}
}

// RunDelayWakes consumes r's delay-wake queue until stop is closed,
// triggering a reconcile pass (with no new offers) each time a broker's
// backoff window expires.
func (r *Reconciler) RunDelayWakes(stop <-chan struct{}) {
	for {
		select {
		case id := <-r.delay.C:
			log.Infof("Delay wake for broker %s\n", id)
			r.mu.Lock()
			r.reconcileLocked(nil)
			r.mu.Unlock()
		case <-stop:
			return
		}
	}
}

// TriggerAdminMutation forces one reconcile pass with no new offers,
// called after the administrative channel applies an add/activate/
// deactivate/remove mutation directly to the cluster.
func (r *Reconciler) TriggerAdminMutation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcileLocked(nil)
}

// --- mesos-go scheduler.Scheduler callbacks ---

func (r *Reconciler) Registered(driver sched.SchedulerDriver, frameworkId *mesos.FrameworkID, masterInfo *mesos.MasterInfo) {
	log.Infoln("Scheduler registered with master", masterInfo)
	r.mu.Lock()
	r.driver = driver
	if err := r.cluster.Load(true); err != nil {
		log.Errorf("Failed to load cluster state on registration: %v\n", err)
	}
	r.reconcileLocked(nil)
	r.mu.Unlock()
}

func (r *Reconciler) Reregistered(driver sched.SchedulerDriver, masterInfo *mesos.MasterInfo) {
	log.Infoln("Scheduler re-registered with master", masterInfo)
	r.mu.Lock()
	r.driver = driver
	r.reconcileLocked(nil)
	r.mu.Unlock()
}

func (r *Reconciler) Disconnected(driver sched.SchedulerDriver) {
	log.Infoln("Scheduler disconnected")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.driver = nil
}

func (r *Reconciler) ResourceOffers(driver sched.SchedulerDriver, offers []*mesos.Offer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.driver = driver
	r.reconcileLocked(offers)
}

func (r *Reconciler) OfferRescinded(driver sched.SchedulerDriver, id *mesos.OfferID) {
	log.Infof("Offer %v rescinded\n", id.GetValue())
}

// StatusUpdate applies a task status to the broker it belongs to. Mesos
// guarantees at-least-once delivery of status updates, so handling must
// be idempotent: re-applying TASK_RUNNING to an already-running broker,
// or a terminal state to a broker whose task handle is already gone, are
// both no-ops.
func (r *Reconciler) StatusUpdate(driver sched.SchedulerDriver, status *mesos.TaskStatus) {
	taskId := status.GetTaskId().GetValue()
	brokerId := domain.IdFromTaskId(taskId)
	state := status.GetState()
	log.Infof("Status update: task %s is in state %s\n", taskId, state.String())

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.cluster.GetBroker(brokerId)
	owned := b != nil && b.Task != nil && b.Task.Id == taskId

	switch state {
	case mesos.TaskState_TASK_RUNNING:
		if owned {
			b.Task.Running = true
			b.Failover.ResetFailures()
		}

	case mesos.TaskState_TASK_FINISHED, mesos.TaskState_TASK_KILLED:
		// a graceful stop or a deliberate kill: clear the task handle
		// without counting it as a failure, so a subsequent activation
		// starts from a clean backoff
		delete(r.taskIds, taskId)
		if owned {
			b.Task = nil
		}

	case mesos.TaskState_TASK_FAILED, mesos.TaskState_TASK_LOST, mesos.TaskState_TASK_ERROR:
		delete(r.taskIds, taskId)
		if owned {
			b.Task = nil
			b.Failover.RegisterFailure(r.clock())
			if b.Failover.IsMaxTriesExceeded() {
				b.Active = false
				log.Errorf("Broker %s exceeded max failover tries, deactivating\n", b.Id)
			} else {
				r.delay.Push(b.Id, b.Failover.DelayExpires())
			}
		}

	default:
		log.Errorf("Unexpected task state %s for task %s\n", state.String(), taskId)
	}

	r.reconcileLocked(nil)
}

func (r *Reconciler) FrameworkMessage(driver sched.SchedulerDriver, execId *mesos.ExecutorID, slaveId *mesos.SlaveID, msg string) {
	log.Infof("Framework message from executor %v on slave %v: %s\n", execId.GetValue(), slaveId.GetValue(), msg)
}

func (r *Reconciler) SlaveLost(driver sched.SchedulerDriver, id *mesos.SlaveID) {
	log.Infof("Slave %v lost\n", id.GetValue())
}

func (r *Reconciler) ExecutorLost(driver sched.SchedulerDriver, execId *mesos.ExecutorID, slaveId *mesos.SlaveID, status int) {
	log.Infof("Executor %v lost on slave %v, status %d\n", execId.GetValue(), slaveId.GetValue(), status)
}

func (r *Reconciler) Error(driver sched.SchedulerDriver, err string) {
	log.Errorln("Scheduler received error:", err)
}

// --- core convergence pass ---

// reconcileLocked is the single place offers are matched against declared
// brokers, orphaned tasks are re-killed, and state is persisted. It must be
// called with r.mu held.
func (r *Reconciler) reconcileLocked(offers []*mesos.Offer) {
	now := r.clock()
	for _, offer := range offers {
		broker := r.firstAcceptableLocked(offer, now)
		if broker == nil {
			r.declineLocked(offer.Id)
			continue
		}

		port, err := offermatch.SelectPort(offer)
		if err != nil {
			log.Errorf("Offer %s unusable for broker %s: %v\n", offer.GetId().GetValue(), broker.Id, err)
			r.declineLocked(offer.Id)
			continue
		}

		task := r.builder.Build(broker, offer, port)
		if r.driver == nil {
			continue
		}
		if _, err := r.driver.LaunchTasks([]*mesos.OfferID{offer.Id}, []*mesos.TaskInfo{task},
			&mesos.Filters{RefuseSeconds: proto.Float64(1)}); err != nil {
			log.Errorf("Failed to launch broker %s: %v\n", broker.Id, err)
			continue
		}

		broker.Task = &domain.Task{
			Id:       task.GetTaskId().GetValue(),
			Hostname: offer.GetHostname(),
			Port:     port,
			Running:  false,
		}
		r.taskIds[broker.Task.Id] = broker.Id
		log.Infof("Launched broker %s as task %s on %s\n", broker.Id, broker.Task.Id, broker.Task.Hostname)
	}

	r.orphanKillLocked()
	r.cluster.Save()
}

// firstAcceptableLocked returns the first declared broker (in cluster
// insertion order) that offer can satisfy, or nil.
func (r *Reconciler) firstAcceptableLocked(offer *mesos.Offer, now time.Time) *domain.Broker {
	for _, b := range r.cluster.GetBrokers() {
		if offermatch.Acceptable(b, offer, now) {
			return b
		}
	}
	return nil
}

func (r *Reconciler) declineLocked(offerId *mesos.OfferID) {
	if r.driver == nil {
		return
	}
	if _, err := r.driver.DeclineOffer(offerId, &mesos.Filters{RefuseSeconds: proto.Float64(5)}); err != nil {
		log.Errorf("Failed to decline offer %s: %v\n", offerId.GetValue(), err)
	}
}

// orphanKillLocked re-issues a kill for every tracked task id whose broker
// is gone or deactivated. It is not removed from taskIds here: the
// eventual terminal status update is the sole remover, so a kill that
// Mesos drops or a task already dead gets harmlessly re-issued on the next
// pass instead of being silently forgotten.
func (r *Reconciler) orphanKillLocked() {
	if r.driver == nil {
		return
	}
	for taskId, brokerId := range r.taskIds {
		b := r.cluster.GetBroker(brokerId)
		if b != nil && b.Active {
			continue
		}
		if _, err := r.driver.KillTask(&mesos.TaskID{Value: proto.String(taskId)}); err != nil {
			log.Errorf("Failed to kill orphaned task %s: %v\n", taskId, err)
		}
	}
}
