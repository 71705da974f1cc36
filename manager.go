// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultConcurrency  = 5
	defaultNodeTTL      = 30 * time.Second
	defaultStoreTimeout = 30 * time.Second
)

func nop() {}

// NameLocker serializes Save calls for the same job name across nodes.
// Lock blocks until the lock is held and returns a function that
// releases it.
type NameLocker interface {
	Lock(ctx context.Context, name string) (release func(), err error)
}

// Manager registers and drives garbage collection jobs. Create a new
// manager via New.
type Manager struct {
	logger       *zap.Logger
	st           Store      // persistent storage
	members      Membership // node liveness, may be nil
	locker       NameLocker // may be nil
	bus          message.Subscriber
	ownBus       *gochannel.GoChannel
	node         string
	nodeTTL      time.Duration
	storeTimeout time.Duration
	concurrency  int
	registerer   prometheus.Registerer
	metrics      *metrics

	mu      sync.Mutex       // guards the following block
	kinds   map[string]*Kind // maps kind name to kind
	started bool
	closed  bool
	stopHB  chan struct{}

	ctx       context.Context // passed to runners, cancelled on close
	cancel    context.CancelFunc
	jobs      cmap.ConcurrentMap // maps record identity to *Job
	cron      *cron.Cron
	sem       *semaphore.Weighted
	workersWg sync.WaitGroup
	hbWg      sync.WaitGroup

	testManagerStarted func() // testing hook
	testManagerStopped func() // testing hook
	testJobStarted     func() // testing hook
	testJobSucceeded   func() // testing hook
	testJobCancelled   func() // testing hook
	testJobFailed      func() // testing hook
	testJobSkipped     func() // testing hook
	testJobResumed     func() // testing hook
}

// New creates a new manager. Pass options to Manager to configure it.
func New(options ...ManagerOption) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:             zap.NewNop(),
		st:                 NewInMemoryStore(),
		node:               uuid.NewString(),
		nodeTTL:            defaultNodeTTL,
		storeTimeout:       defaultStoreTimeout,
		concurrency:        defaultConcurrency,
		kinds:              make(map[string]*Kind),
		ctx:                ctx,
		cancel:             cancel,
		jobs:               cmap.New(),
		testManagerStarted: nop,
		testManagerStopped: nop,
		testJobStarted:     nop,
		testJobSucceeded:   nop,
		testJobCancelled:   nop,
		testJobFailed:      nop,
		testJobSkipped:     nop,
		testJobResumed:     nop,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.members == nil {
		if ms, ok := m.st.(Membership); ok {
			m.members = ms
		}
	}
	if m.bus == nil {
		bus := NewEventBus()
		m.bus = bus
		m.ownBus = bus
	}
	m.cron = cron.New()
	m.sem = semaphore.NewWeighted(int64(m.concurrency))
	m.metrics = newMetrics(m)
	if m.registerer != nil {
		if err := m.metrics.register(m.registerer); err != nil {
			cancel()
			return nil, err
		}
	}
	return m, nil
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// SetStore specifies the backing Store implementation for the manager.
// If the store also implements Membership, it is used for node liveness
// unless SetMembership is given.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetMembership specifies where nodes report their liveness. Without
// membership, records of other nodes are never taken over on start.
func SetMembership(members Membership) ManagerOption {
	return func(m *Manager) {
		m.members = members
	}
}

// SetNameLocker specifies a lock that is held across the duplicate check
// and the insert of Job.Save.
func SetNameLocker(locker NameLocker) ManagerOption {
	return func(m *Manager) {
		m.locker = locker
	}
}

// SetEventBus specifies where EventBased jobs subscribe to their topics.
// An in-process bus is used by default.
func SetEventBus(bus message.Subscriber) ManagerOption {
	return func(m *Manager) {
		m.bus = bus
	}
}

// SetNode specifies the identity of the local node. A random identity
// is used by default. Use a stable identity to resume the jobs of this
// node after a restart.
func SetNode(node string) ManagerOption {
	return func(m *Manager) {
		if node != "" {
			m.node = node
		}
	}
}

// SetNodeTTL specifies after which time without a heartbeat a node is
// considered gone. It is 30 seconds by default.
func SetNodeTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.nodeTTL = ttl
		}
	}
}

// SetStoreTimeout limits the duration of store calls made while jobs
// complete. It is 30 seconds by default.
func SetStoreTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.storeTimeout = timeout
		}
	}
}

// SetConcurrency sets the maximum number of jobs that will be run at
// the same time. Concurrency must be greater or equal to 1 and is 5 by
// default. Triggers beyond that are skipped.
func SetConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// SetRegisterer registers the metrics of the manager with reg.
func SetRegisterer(reg prometheus.Registerer) ManagerOption {
	return func(m *Manager) {
		m.registerer = reg
	}
}

// Node returns the identity of the local node.
func (m *Manager) Node() string { return m.node }

// Publish sends a notification on topic through the event bus of the
// manager.
func (m *Manager) Publish(topic string, payload []byte, metadata map[string]string) error {
	pub, ok := m.bus.(message.Publisher)
	if !ok {
		return errors.New("gcjob: event bus cannot publish")
	}
	return Publish(pub, topic, payload, metadata)
}

// -- Kinds and jobs --

// RegisterKind registers a kind of jobs. Kinds must be registered before
// Start so that their jobs can be resumed.
func (m *Manager) RegisterKind(k Kind) error {
	if err := k.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.kinds[k.Name]; found {
		return errors.Errorf("gcjob: kind %s already registered", k.Name)
	}
	k.Topics = append([]string(nil), k.Topics...)
	m.kinds[k.Name] = &k
	return nil
}

func (m *Manager) kind(name string) (*Kind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, found := m.kinds[name]
	if !found {
		return nil, errors.Wrapf(ErrUnknownKind, "%s", name)
	}
	return k, nil
}

// NewJob creates a job of the given kind. The job is neither saved nor
// registered. Its name defaults to the kind name.
func (m *Manager) NewJob(kind string, runner Runner, options ...JobOption) (*Job, error) {
	k, err := m.kind(kind)
	if err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errors.Errorf("gcjob: job of kind %s has no runner", kind)
	}
	j := &Job{
		m:        m,
		kind:     k,
		runner:   runner,
		name:     k.Name,
		strategy: k.Strategy,
	}
	for _, opt := range options {
		opt(j)
	}
	return j, nil
}

// Submit saves the job and registers it. It returns false if a job with
// the same name is pending already.
func (m *Manager) Submit(ctx context.Context, j *Job) (bool, error) {
	if m.isClosed() {
		return false, ErrClosed
	}
	ok, err := j.Save(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := m.RegisterGC(j); err != nil {
		return false, err
	}
	return true, nil
}

// RegisterGC adds a saved job to the registry and starts the driver of
// its strategy. Registering a job twice is a no-op.
func (m *Manager) RegisterGC(j *Job) error {
	id := j.ID()
	if id == "" {
		return ErrNotSaved
	}
	if j.m != m {
		return errors.Errorf("gcjob: job %s belongs to another manager", j.name)
	}
	if m.isClosed() {
		return ErrClosed
	}
	d, err := m.newDriver(j)
	if err != nil {
		return err
	}
	if !m.jobs.SetIfAbsent(id, j) {
		return nil
	}
	j.setDriver(d)
	if err := d.start(); err != nil {
		m.jobs.Remove(id)
		j.setDriver(nil)
		return err
	}
	m.logger.Info("registered job", j.fields()...)
	return nil
}

// DeregisterGC stops the driver of the job and removes it from the
// registry. It is a no-op for jobs that are not registered.
func (m *Manager) DeregisterGC(j *Job) {
	id := j.ID()
	if id == "" {
		return
	}
	v, found := m.jobs.Pop(id)
	if !found {
		return
	}
	if d := v.(*Job).driver(); d != nil {
		d.stop()
	}
	m.logger.Info("deregistered job", j.fields()...)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) registered(id string) bool {
	return m.jobs.Has(id)
}

// Job returns the registered job with the given identity.
func (m *Manager) Job(id string) (*Job, bool) {
	v, found := m.jobs.Get(id)
	if !found {
		return nil, false
	}
	return v.(*Job), true
}

// Jobs returns a summary of all registered jobs.
func (m *Manager) Jobs() []JobInfo {
	items := m.jobs.Items()
	list := make([]JobInfo, 0, len(items))
	for _, v := range items {
		list = append(list, v.(*Job).Info())
	}
	return list
}

// Fire triggers the registered job with the given identity now. It
// returns false if the job was skipped because it is running.
func (m *Manager) Fire(id string) (bool, error) {
	if m.isClosed() {
		return false, ErrClosed
	}
	j, found := m.Job(id)
	if !found {
		return false, errors.Wrapf(ErrNotRegistered, "%s", id)
	}
	return j.fire(), nil
}

// -- Start and Stop --

// Start resumes the jobs of this node and of nodes that are gone, then
// starts driving them. Use Stop, Close, or CloseWithTimeout to stop it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("gcjob: manager already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.heartbeat(ctx); err != nil {
		return err
	}
	if err := m.resumeAll(ctx); err != nil {
		return err
	}
	m.cron.Start()

	if m.members != nil {
		m.stopHB = make(chan struct{})
		m.hbWg.Add(1)
		go m.heartbeatLoop(m.stopHB)
	}

	m.logger.Info("manager started", zap.String("node", m.node))
	m.testManagerStarted() // testing hook
	return nil
}

// resumeAll takes over all records that this node is entitled to drive.
// A record that cannot be resumed is logged and skipped.
func (m *Manager) resumeAll(ctx context.Context) error {
	list, err := m.st.ListNonDone(ctx, "")
	if err != nil {
		return errors.Wrap(err, "gcjob: list pending jobs")
	}
	gone := make(map[string]bool)
	for _, rec := range list {
		if rec.Owner != m.node {
			dead, found := gone[rec.Owner]
			if !found {
				dead, err = m.nodeGone(ctx, rec.Owner)
				if err != nil {
					m.logger.Error("cannot check node liveness",
						zap.String("owner", rec.Owner), zap.Error(err))
					continue
				}
				gone[rec.Owner] = dead
			}
			if !dead {
				continue
			}
		}
		if _, err := m.resume(ctx, rec); err != nil {
			m.logger.Error("cannot resume job",
				zap.String("job", rec.Name),
				zap.String("id", rec.ID),
				zap.String("runner", rec.Runner),
				zap.Error(err))
		}
	}
	return nil
}

// resume rebuilds a job from its record, claims it for the local node
// and registers it.
func (m *Manager) resume(ctx context.Context, rec *Record) (*Job, error) {
	if m.registered(rec.ID) {
		return nil, nil
	}
	k, err := m.kind(rec.Runner)
	if err != nil {
		return nil, err
	}
	if k.Strategy != rec.Strategy {
		return nil, errors.Errorf("gcjob: record strategy %q does not match kind strategy %q",
			rec.Strategy, k.Strategy)
	}
	runner, err := k.Restore(rec.Context)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptContext, "%v", err)
	}
	if err := m.st.ClaimOwner(ctx, rec.ID, rec.Owner, m.node); err != nil {
		return nil, err
	}
	j := &Job{
		m:      m,
		kind:   k,
		runner: runner,
		name:   rec.Name,
	}
	j.bind(rec.ID, rec.Strategy)
	if err := m.RegisterGC(j); err != nil {
		// Hand the record back so that it is resumed again later.
		if rerr := m.st.ClaimOwner(ctx, rec.ID, m.node, rec.Owner); rerr != nil {
			m.logger.Error("cannot release job after failed registration, job is stranded",
				append(j.fields(), zap.String("owner", m.node), zap.Error(rerr))...)
		}
		return nil, err
	}
	m.logger.Info("resumed job", append(j.fields(), zap.String("from", rec.Owner))...)
	m.testJobResumed() // testing hook
	return j, nil
}

// Adopt takes over all pending jobs of another node. Use it when the
// node is known to be gone. Records that another node claimed first are
// skipped. Adopt returns the number of jobs taken over.
func (m *Manager) Adopt(ctx context.Context, node string) (int, error) {
	if node == m.node {
		return 0, errors.New("gcjob: cannot adopt jobs of the local node")
	}
	list, err := m.st.ListNonDone(ctx, "")
	if err != nil {
		return 0, errors.Wrap(err, "gcjob: list pending jobs")
	}
	var n int
	for _, rec := range list {
		if rec.Owner != node {
			continue
		}
		j, err := m.resume(ctx, rec)
		switch {
		case errors.Is(err, ErrOwnerChanged), errors.Is(err, ErrAlreadyDone), errors.Is(err, ErrNotFound):
			m.logger.Debug("job taken by someone else", zap.String("id", rec.ID), zap.Error(err))
		case err != nil:
			m.logger.Error("cannot adopt job", zap.String("id", rec.ID), zap.Error(err))
		case j != nil:
			n++
		}
	}
	m.logger.Info("adopted jobs", zap.String("from", node), zap.Int("count", n))
	return n, nil
}

func (m *Manager) nodeGone(ctx context.Context, node string) (bool, error) {
	if m.members == nil {
		return false, nil
	}
	seen, err := m.members.LastSeen(ctx, node)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(seen) > m.nodeTTL, nil
}

func (m *Manager) heartbeat(ctx context.Context) error {
	if m.members == nil {
		return nil
	}
	if err := m.members.Heartbeat(ctx, m.node, time.Now()); err != nil {
		return errors.Wrapf(err, "gcjob: heartbeat of node %s", m.node)
	}
	return nil
}

func (m *Manager) heartbeatLoop(stop <-chan struct{}) {
	defer m.hbWg.Done()
	t := time.NewTicker(m.nodeTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, cancel := m.storeContext()
			if err := m.heartbeat(ctx); err != nil {
				m.logger.Warn("heartbeat failed", zap.Error(err))
			}
			cancel()
		case <-stop:
			return
		}
	}
}

func (m *Manager) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.storeTimeout)
}

// Stop stops the manager. It waits for working jobs to finish.
func (m *Manager) Stop() error {
	return m.Close()
}

// Close is an alias to Stop. It stops the manager and waits for working
// jobs to finish.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the manager. It waits for the specified timeout,
// then closes down, even if there are still jobs working. If the timeout
// is negative, the manager waits forever for all working jobs to end.
// Jobs stay persisted and are resumed by the next start.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	stopHB := m.stopHB
	m.mu.Unlock()

	var err error
	if started {
		if stopHB != nil {
			close(stopHB)
			m.hbWg.Wait()
		}
		<-m.cron.Stop().Done()
	}

	// Stop all drivers
	for _, v := range m.jobs.Items() {
		if d := v.(*Job).driver(); d != nil {
			d.stop()
		}
	}

	// Wait for working jobs
	complete := make(chan struct{})
	go func() {
		m.workersWg.Wait()
		close(complete)
	}()
	if timeout < 0 {
		<-complete
	} else {
		select {
		case <-complete:
		case <-time.After(timeout):
			err = multierr.Append(err, errors.New("gcjob: close timed out"))
		}
	}
	m.cancel()

	if m.ownBus != nil {
		err = multierr.Append(err, m.ownBus.Close())
	}

	if started {
		m.logger.Info("manager stopped", zap.String("node", m.node))
		m.testManagerStopped() // testing hook
	}
	return err
}

// -- Stats and Lookup --

// Stats returns current statistics about jobs.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	st, err := m.st.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st.Registered = m.jobs.Count()
	st.Running = 0
	for _, v := range m.jobs.Items() {
		if v.(*Job).Running() {
			st.Running++
		}
	}
	return st, nil
}

// Lookup returns the record with the specified identifier.
// If no such record exists, ErrNotFound is returned.
func (m *Manager) Lookup(ctx context.Context, id string) (*Record, error) {
	return m.st.Lookup(ctx, id)
}
