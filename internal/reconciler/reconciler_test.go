package reconciler

import (
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	mesos "github.com/mesos/mesos-go/mesosproto"
	util "github.com/mesos/mesos-go/mesosutil"
	"github.com/stretchr/testify/assert"

	"github.com/mesosbroker/broker-scheduler/internal/cluster"
	"github.com/mesosbroker/broker-scheduler/internal/delaywake"
	"github.com/mesosbroker/broker-scheduler/internal/domain"
	"github.com/mesosbroker/broker-scheduler/internal/launch"
)

// fakeStore is a bare in-memory cluster.Store, mirroring the one in the
// cluster package's own tests.
type fakeStore struct {
	saved []*domain.Broker
}

func (f *fakeStore) Open() error  { return nil }
func (f *fakeStore) Close() error { return nil }
func (f *fakeStore) Save(brokers []*domain.Broker) error {
	f.saved = brokers
	return nil
}
func (f *fakeStore) Load() ([]*domain.Broker, error) { return f.saved, nil }

// fakeDriver implements sched.SchedulerDriver, recording every call the
// reconciler makes instead of talking to a real Mesos master.
type fakeDriver struct {
	launched []*mesos.TaskInfo
	killed   []string
	declined []string
}

func (d *fakeDriver) Start() (mesos.Status, error) { return mesos.Status_DRIVER_RUNNING, nil }
func (d *fakeDriver) Stop(bool) (mesos.Status, error) {
	return mesos.Status_DRIVER_STOPPED, nil
}
func (d *fakeDriver) Abort() (mesos.Status, error) { return mesos.Status_DRIVER_ABORTED, nil }
func (d *fakeDriver) Join() (mesos.Status, error)  { return mesos.Status_DRIVER_STOPPED, nil }
func (d *fakeDriver) Run() (mesos.Status, error)   { return mesos.Status_DRIVER_STOPPED, nil }
func (d *fakeDriver) RequestResources([]*mesos.Request) (mesos.Status, error) {
	return mesos.Status_DRIVER_RUNNING, nil
}
func (d *fakeDriver) LaunchTasks(offerIds []*mesos.OfferID, tasks []*mesos.TaskInfo, filters *mesos.Filters) (mesos.Status, error) {
	d.launched = append(d.launched, tasks...)
	return mesos.Status_DRIVER_RUNNING, nil
}
func (d *fakeDriver) KillTask(id *mesos.TaskID) (mesos.Status, error) {
	d.killed = append(d.killed, id.GetValue())
	return mesos.Status_DRIVER_RUNNING, nil
}
func (d *fakeDriver) DeclineOffer(id *mesos.OfferID, filters *mesos.Filters) (mesos.Status, error) {
	d.declined = append(d.declined, id.GetValue())
	return mesos.Status_DRIVER_RUNNING, nil
}
func (d *fakeDriver) ReviveOffers() (mesos.Status, error) { return mesos.Status_DRIVER_RUNNING, nil }
func (d *fakeDriver) SendFrameworkMessage(*mesos.ExecutorID, *mesos.SlaveID, string) (mesos.Status, error) {
	return mesos.Status_DRIVER_RUNNING, nil
}
func (d *fakeDriver) ReconcileTasks([]*mesos.TaskStatus) (mesos.Status, error) {
	return mesos.Status_DRIVER_RUNNING, nil
}

func offerWith(id string, cpus, mem float64, portBegin, portEnd uint64) *mesos.Offer {
	return &mesos.Offer{
		Id:       &mesos.OfferID{Value: proto.String(id)},
		SlaveId:  &mesos.SlaveID{Value: proto.String("slave-1")},
		Hostname: proto.String("slave-1.cluster"),
		Resources: []*mesos.Resource{
			util.NewScalarResource("cpus", cpus),
			util.NewScalarResource("mem", mem),
			util.NewRangesResource("ports", []*mesos.Value_Range{util.NewValueRange(portBegin, portEnd)}),
		},
	}
}

func newTestReconciler() (*Reconciler, *cluster.Cluster) {
	c := cluster.New(&fakeStore{})
	builder := launch.NewBuilder(launch.Config{
		ExecutorCommand: "java -jar broker-executor.jar",
		ArtifactBaseURL: "http://scheduler:9090/artifacts",
		ExecutorJar:     "executor.jar",
		BrokerDist:      "kafka.tgz",
	})
	delay := delaywake.NewQueue()
	return New(c, builder, delay), c
}

func TestReconcilerLaunchesAgainstAcceptableOffer(t *testing.T) {
	r, c := newTestReconciler()
	c.AddBroker(&domain.Broker{Id: "0", Active: true, Cpus: 1, Mem: 512})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-1", 2, 1024, 31000, 31000)})

	assert.Len(t, driver.launched, 1)
	assert.Empty(t, driver.declined)
	assert.NotNil(t, c.GetBroker("0").Task)
	assert.Equal(t, "slave-1.cluster", c.GetBroker("0").Task.Hostname)
}

func TestReconcilerDeclinesInsufficientOffer(t *testing.T) {
	r, c := newTestReconciler()
	c.AddBroker(&domain.Broker{Id: "0", Active: true, Cpus: 4, Mem: 4096})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-1", 1, 512, 31000, 31000)})

	assert.Empty(t, driver.launched)
	assert.Equal(t, []string{"offer-1"}, driver.declined)
	assert.Nil(t, c.GetBroker("0").Task)
}

func TestReconcilerBackoffBlocksRelaunchUntilDelayExpires(t *testing.T) {
	r, c := newTestReconciler()
	c.AddBroker(&domain.Broker{
		Id: "0", Active: true, Cpus: 1, Mem: 512,
		Failover: domain.Failover{Delay: 10 * time.Second, MaxDelay: time.Minute},
	})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-1", 2, 1024, 31000, 31000)})
	assert.Len(t, driver.launched, 1)

	taskId := c.GetBroker("0").Task.Id
	fixedNow := time.Unix(2000, 0)
	r.clock = func() time.Time { return fixedNow }

	r.StatusUpdate(driver, &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: proto.String(taskId)},
		State:  mesos.TaskState_TASK_FAILED.Enum(),
	})
	assert.Nil(t, c.GetBroker("0").Task)
	assert.Equal(t, int32(1), c.GetBroker("0").Failover.Failures)

	// still within the backoff window: the broker must not be relaunched
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-2", 2, 1024, 31001, 31001)})
	assert.Len(t, driver.launched, 1)
	assert.Contains(t, driver.declined, "offer-2")

	// fast-forward past the backoff window
	r.clock = func() time.Time { return fixedNow.Add(time.Hour) }
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-3", 2, 1024, 31002, 31002)})
	assert.Len(t, driver.launched, 2)
}

func TestReconcilerStopsRetryingAfterMaxTries(t *testing.T) {
	r, c := newTestReconciler()
	maxTries := int32(1)
	c.AddBroker(&domain.Broker{
		Id: "0", Active: true, Cpus: 1, Mem: 512,
		Failover: domain.Failover{Delay: time.Second, MaxDelay: time.Minute, MaxTries: &maxTries},
	})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-1", 2, 1024, 31000, 31000)})
	taskId := c.GetBroker("0").Task.Id

	r.StatusUpdate(driver, &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: proto.String(taskId)},
		State:  mesos.TaskState_TASK_FAILED.Enum(),
	})
	assert.True(t, c.GetBroker("0").Failover.IsMaxTriesExceeded())
	assert.False(t, c.GetBroker("0").Active)

	// even long after any plausible backoff, a broker that exceeded its
	// retry budget must never be relaunched automatically
	r.clock = func() time.Time { return time.Now().Add(24 * time.Hour) }
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-2", 2, 1024, 31001, 31001)})
	assert.Len(t, driver.launched, 1)
}

func TestReconcilerGracefulFinishDoesNotCountAsFailure(t *testing.T) {
	r, c := newTestReconciler()
	c.AddBroker(&domain.Broker{Id: "0", Active: true, Cpus: 1, Mem: 512})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-1", 2, 1024, 31000, 31000)})
	taskId := c.GetBroker("0").Task.Id

	r.StatusUpdate(driver, &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: proto.String(taskId)},
		State:  mesos.TaskState_TASK_FINISHED.Enum(),
	})

	assert.Nil(t, c.GetBroker("0").Task)
	assert.Equal(t, int32(0), c.GetBroker("0").Failover.Failures)
}

func TestReconcilerKillsOrphanedTaskOnRemoval(t *testing.T) {
	r, c := newTestReconciler()
	c.AddBroker(&domain.Broker{Id: "0", Active: true, Cpus: 1, Mem: 512})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-1", 2, 1024, 31000, 31000)})
	taskId := c.GetBroker("0").Task.Id

	c.RemoveBroker("0")
	r.TriggerAdminMutation()
	assert.Equal(t, []string{taskId}, driver.killed)

	// the task has no owning broker at all now; until a terminal status
	// arrives for it, every further reconcile pass re-issues the kill
	r.TriggerAdminMutation()
	assert.Equal(t, []string{taskId, taskId}, driver.killed)

	r.StatusUpdate(driver, &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: proto.String(taskId)},
		State:  mesos.TaskState_TASK_KILLED.Enum(),
	})
	r.TriggerAdminMutation()
	assert.Equal(t, []string{taskId, taskId}, driver.killed)
}

func TestReconcilerKillsOrphanedTaskOnDeactivation(t *testing.T) {
	r, c := newTestReconciler()
	c.AddBroker(&domain.Broker{Id: "0", Active: true, Cpus: 1, Mem: 512})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-1", 2, 1024, 31000, 31000)})
	taskId := c.GetBroker("0").Task.Id

	c.SetActive("0", false)
	r.TriggerAdminMutation()
	assert.Equal(t, []string{taskId}, driver.killed)

	// still deactivated: the kill must be re-issued, not forgotten after one pass
	r.TriggerAdminMutation()
	assert.Equal(t, []string{taskId, taskId}, driver.killed)
}

func TestReconcilerContainerModeLaunchCarriesDockerDescriptor(t *testing.T) {
	r, c := newTestReconciler()
	c.AddBroker(&domain.Broker{Id: "0", Active: true, Cpus: 1, Mem: 512, Container: "confluentinc/cp-kafka:5.0.0"})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-1", 2, 1024, 31000, 31000)})

	assert.Len(t, driver.launched, 1)
	container := driver.launched[0].GetContainer()
	assert.NotNil(t, container)
	assert.Equal(t, "confluentinc/cp-kafka:5.0.0", container.GetDocker().GetImage())
}

func TestReconcilerReconcileIsIdempotentWithNoOffers(t *testing.T) {
	r, c := newTestReconciler()
	c.AddBroker(&domain.Broker{Id: "0", Active: true, Cpus: 1, Mem: 512})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, nil)
	r.ResourceOffers(driver, nil)

	assert.Empty(t, driver.launched)
	assert.Nil(t, c.GetBroker("0").Task)
}

func TestReconcilerDisconnectedClearsDriverAndSuppressesActions(t *testing.T) {
	r, c := newTestReconciler()
	c.AddBroker(&domain.Broker{Id: "0", Active: true, Cpus: 1, Mem: 512})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-1", 2, 1024, 31000, 31000)})
	assert.Len(t, driver.launched, 1)
	taskId := c.GetBroker("0").Task.Id

	r.Disconnected(driver)

	// orphaned while disconnected: no action must reach the (now stale)
	// driver handle
	c.RemoveBroker("0")
	r.TriggerAdminMutation()
	assert.Empty(t, driver.killed)

	// reconnection hands the reconciler a fresh driver; the orphan kill
	// that was suppressed while disconnected must now go through
	r.Registered(driver, &mesos.FrameworkID{Value: proto.String("framework-1")}, &mesos.MasterInfo{})
	assert.Equal(t, []string{taskId}, driver.killed)
}

func TestReconcilerKilledTaskDoesNotCountAsFailure(t *testing.T) {
	r, c := newTestReconciler()
	c.AddBroker(&domain.Broker{Id: "0", Active: true, Cpus: 1, Mem: 512})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, []*mesos.Offer{offerWith("offer-1", 2, 1024, 31000, 31000)})
	taskId := c.GetBroker("0").Task.Id

	r.StatusUpdate(driver, &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: proto.String(taskId)},
		State:  mesos.TaskState_TASK_KILLED.Enum(),
	})

	assert.Nil(t, c.GetBroker("0").Task)
	assert.Equal(t, int32(0), c.GetBroker("0").Failover.Failures)
}

func TestReconcilerStatusUpdateTriggersFullReconcile(t *testing.T) {
	r, c := newTestReconciler()
	c.AddBroker(&domain.Broker{Id: "0", Active: true, Cpus: 1, Mem: 512})
	c.AddBroker(&domain.Broker{Id: "1", Active: true, Cpus: 1, Mem: 512})

	driver := &fakeDriver{}
	r.ResourceOffers(driver, []*mesos.Offer{
		offerWith("offer-1", 2, 1024, 31000, 31000),
		offerWith("offer-2", 2, 1024, 31001, 31001),
	})
	taskA := c.GetBroker("0").Task.Id
	taskB := c.GetBroker("1").Task.Id

	// deactivate broker 1 without triggering a reconcile pass directly:
	// its orphaned task must still get killed below, as a side effect of
	// broker 0's own status update
	c.SetActive("1", false)

	r.StatusUpdate(driver, &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: proto.String(taskA)},
		State:  mesos.TaskState_TASK_FINISHED.Enum(),
	})

	assert.Equal(t, []string{taskB}, driver.killed)
}
