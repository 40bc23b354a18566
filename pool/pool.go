package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/sardanioss/netpool/netlog"
	"github.com/sardanioss/netpool/params"
)

// LowerLayeredPool is implemented by a pool whose sockets this pool's
// sockets are built on. Stall detection is transitive through it.
type LowerLayeredPool interface {
	IsStalled() bool
	AddHigherLayeredPool(HigherLayeredPool)
	RemoveHigherLayeredPool(HigherLayeredPool)
}

// HigherLayeredPool is implemented by a pool built on this pool's
// sockets. When this pool is at capacity it can ask higher pools to give
// an idle connection back.
type HigherLayeredPool interface {
	IsStalled() bool
	CloseOneIdleConnection() bool
}

// Options configures a Pool. Zero values get defaults.
type Options struct {
	// MaxSockets caps handed-out plus connecting plus idle sockets across
	// all groups.
	MaxSockets int
	// MaxSocketsPerGroup caps handed-out plus connecting sockets in one
	// group.
	MaxSocketsPerGroup int

	// UnusedIdleTimeout evicts idle sockets that never carried traffic;
	// UsedIdleTimeout evicts ones that did.
	UnusedIdleTimeout time.Duration
	UsedIdleTimeout   time.Duration

	// EnableBackupJobs starts a second connect job when the first has not
	// produced a socket within BackupJobDelay.
	EnableBackupJobs bool
	BackupJobDelay   time.Duration

	// CleanupInterval is how often dead and expired idle sockets are
	// swept.
	CleanupInterval time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxSockets == 0 {
		out.MaxSockets = 256
	}
	if out.MaxSocketsPerGroup == 0 {
		out.MaxSocketsPerGroup = 6
	}
	if out.UnusedIdleTimeout == 0 {
		out.UnusedIdleTimeout = 10 * time.Second
	}
	if out.UsedIdleTimeout == 0 {
		out.UsedIdleTimeout = 5 * time.Minute
	}
	if out.BackupJobDelay == 0 {
		out.BackupJobDelay = 250 * time.Millisecond
	}
	if out.CleanupInterval == 0 {
		out.CleanupInterval = 30 * time.Second
	}
	return out
}

// Pool hands out pooled sockets per group, enforcing per-group and
// pool-wide caps with priority-ordered queueing for requests that cannot
// be served immediately.
//
// One mutex serializes all state transitions; user callbacks are always
// delivered from separate goroutines with the mutex released, so callers
// may re-enter the pool from a callback.
type Pool struct {
	opts    Options
	factory ConnectJobFactory
	log     *netlog.Log

	mu               sync.Mutex
	groups           map[string]*group
	nextOrder        uint64
	pendingCallbacks map[*Handle]struct{}
	higher           map[HigherLayeredPool]struct{}
	lower            map[LowerLayeredPool]struct{}
	checkingStalled  bool
	closed           bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool and starts its idle sweep loop.
func NewPool(factory ConnectJobFactory, opts Options) *Pool {
	p := &Pool{
		opts:             opts.withDefaults(),
		factory:          factory,
		log:              netlog.New("socket_pool"),
		groups:           make(map[string]*group),
		pendingCallbacks: make(map[*Handle]struct{}),
		higher:           make(map[HigherLayeredPool]struct{}),
		lower:            make(map[LowerLayeredPool]struct{}),
		stop:             make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// RequestSocket asks for a socket in key's group. It returns nil when an
// idle socket was assigned synchronously, ErrIOPending when the request
// was queued or a connect started (callback fires later, exactly once),
// or a terminal error.
//
// respectLimits=false requests bypass both caps; they must carry maximum
// priority and they queue ahead of every limit-respecting request.
func (p *Pool) RequestSocket(pr *params.Params, key params.GroupKey, priority params.Priority, respectLimits bool, handle *Handle, callback func(error)) error {
	if !respectLimits && priority != params.PriorityMaximum {
		return fmt.Errorf("pool: limit-ignoring requests must use maximum priority")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	handle.pool = p
	handle.groupKey = key
	handle.pending = true

	g := p.groupFor(key)
	p.nextOrder++
	r := &request{
		handle:        handle,
		callback:      callback,
		params:        pr,
		priority:      priority,
		respectLimits: respectLimits,
		order:         p.nextOrder,
	}

	err := p.requestSocketLocked(g, r)
	if err != ErrIOPending {
		handle.pending = false
		p.deleteGroupIfEmptyLocked(g)
	}
	p.mu.Unlock()
	return err
}

// requestSocketLocked implements one admission pass: idle reuse, claiming
// a preconnected job, the two capacity gates, then a fresh connect job.
func (p *Pool) requestSocketLocked(g *group, r *request) error {
	if s := g.popIdleSocket(p.opts.UnusedIdleTimeout, p.opts.UsedIdleTimeout); s != nil {
		p.assignIdleSocketLocked(g, r, s)
		return nil
	}

	if j := g.unboundJob(); j != nil {
		// An in-flight preconnect (or a cancelled request's leftover job)
		// covers this request.
		if g.unassignedJobCount > 0 {
			g.unassignedJobCount--
		}
		r.job = j
		j.SetPriority(r.priority)
		g.insertRequest(r)
		return ErrIOPending
	}

	if r.respectLimits {
		if g.activeCount() >= p.opts.MaxSocketsPerGroup {
			g.insertRequest(r)
			return ErrIOPending
		}
		if p.totalSocketCountLocked() >= p.opts.MaxSockets {
			// Try to free capacity before queueing as stalled.
			freed := p.closeOneIdleSocketLocked(g) || p.closeOneIdleInHigherPoolsLocked()
			if !freed || p.totalSocketCountLocked() >= p.opts.MaxSockets {
				p.log.Event(netlog.EventSocketPoolStalledGroup, netlog.Fields{"group": g.key.String()})
				g.insertRequest(r)
				return ErrIOPending
			}
		}
	}

	job, err := p.factory.NewConnectJob(r.params, r.priority, p)
	if err != nil {
		return err
	}
	g.addJob(job, true)
	rv := job.Connect()
	if rv == ErrIOPending {
		r.job = job
		g.insertRequest(r)
		p.armBackupTimerLocked(g)
		return ErrIOPending
	}

	g.removeJob(job)
	socket := job.ReleaseSocket()
	job.FillHandle(r.handle)
	if socket != nil {
		p.log.Event(netlog.EventSocketPoolBoundToJob, netlog.Fields{"group": g.key.String()})
		r.handle.assignSocket(socket, ReuseTypeUnused, 0, g.generation)
		g.activeSocketCount++
	}
	return rv
}

func (p *Pool) assignIdleSocketLocked(g *group, r *request, s *idleSocket) {
	reuse := ReuseTypeUnusedIdle
	if s.socket.WasEverUsed() {
		reuse = ReuseTypeReusedIdle
	}
	p.log.Event(netlog.EventSocketPoolReusedSocket, netlog.Fields{
		"group":    g.key.String(),
		"idle_ms":  time.Since(s.start).Milliseconds(),
		"was_used": s.socket.WasEverUsed(),
	})
	r.handle.assignSocket(s.socket, reuse, time.Since(s.start), g.generation)
	g.activeSocketCount++
}

// RequestSockets preconnects up to numSockets for a group. Sockets that
// finish with no request waiting go on the idle list; requests arriving
// meanwhile claim the in-flight jobs.
func (p *Pool) RequestSockets(pr *params.Params, key params.GroupKey, numSockets int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if numSockets > p.opts.MaxSocketsPerGroup {
		numSockets = p.opts.MaxSocketsPerGroup
	}

	g := p.groupFor(key)
	deficit := numSockets - g.activeCount() - len(g.idle)
	var firstErr error
	for i := 0; i < deficit; i++ {
		if p.totalSocketCountLocked() >= p.opts.MaxSockets ||
			g.activeCount() >= p.opts.MaxSocketsPerGroup {
			break
		}
		job, err := p.factory.NewConnectJob(pr, params.PriorityLow, p)
		if err != nil {
			return err
		}
		g.addJob(job, false)
		rv := job.Connect()
		if rv == ErrIOPending {
			p.armBackupTimerLocked(g)
			continue
		}
		g.removeJob(job)
		if rv == nil {
			g.addIdle(job.ReleaseSocket())
		} else {
			if s := job.ReleaseSocket(); s != nil {
				s.Close()
			}
			if firstErr == nil {
				firstErr = rv
			}
		}
	}
	p.deleteGroupIfEmptyLocked(g)
	return firstErr
}

// OnConnectJobComplete is the connect job delegate entry point.
func (p *Pool) OnConnectJobComplete(job ConnectJob, err error) {
	p.mu.Lock()
	if p.closed {
		if s := job.ReleaseSocket(); s != nil {
			s.Close()
		}
		p.mu.Unlock()
		return
	}
	g := p.groupWithJobLocked(job)
	if g == nil {
		// Job was already abandoned by a cancel or flush.
		if s := job.ReleaseSocket(); s != nil {
			s.Close()
		}
		p.mu.Unlock()
		return
	}
	g.removeJob(job)
	g.clearJobBinding(job)
	if len(g.jobs) == 0 {
		g.stopBackupTimer()
	}
	p.completeJobLocked(g, job, err)
	p.processPendingRequestsLocked(g)
	p.checkForStalledSocketGroupsLocked()
	p.deleteGroupIfEmptyLocked(g)
	p.mu.Unlock()
}

// completeJobLocked routes a finished (already removed) job's result to
// the front of the queue, or parks the socket as idle.
func (p *Pool) completeJobLocked(g *group, job ConnectJob, err error) {
	socket := job.ReleaseSocket()

	r := g.topRequest()
	if r == nil {
		if err == nil && socket != nil {
			g.addIdle(socket)
		} else if socket != nil {
			socket.Close()
		}
		return
	}

	g.popTopRequest()
	r.job = nil
	job.FillHandle(r.handle)
	if socket != nil {
		r.handle.assignSocket(socket, ReuseTypeUnused, 0, g.generation)
		g.activeSocketCount++
	} else {
		r.handle.pending = false
	}
	p.invokeUserCallbackLaterLocked(r, err)
}

// processPendingRequestsLocked serves queued requests while idle sockets
// or capacity allow, starting connect jobs for requests that have none.
func (p *Pool) processPendingRequestsLocked(g *group) {
	for {
		r := g.firstUnboundRequest()
		if r == nil {
			return
		}

		if s := g.popIdleSocket(p.opts.UnusedIdleTimeout, p.opts.UsedIdleTimeout); s != nil {
			g.removeRequest(r.handle)
			p.assignIdleSocketLocked(g, r, s)
			p.invokeUserCallbackLaterLocked(r, nil)
			continue
		}

		if j := g.unboundJob(); j != nil {
			r.job = j
			if g.unassignedJobCount > 0 {
				g.unassignedJobCount--
			}
			continue
		}

		if r.respectLimits {
			if g.activeCount() >= p.opts.MaxSocketsPerGroup ||
				p.totalSocketCountLocked() >= p.opts.MaxSockets {
				return
			}
		}

		job, err := p.factory.NewConnectJob(r.params, r.priority, p)
		if err != nil {
			g.removeRequest(r.handle)
			r.handle.pending = false
			p.invokeUserCallbackLaterLocked(r, err)
			continue
		}
		g.addJob(job, true)
		rv := job.Connect()
		if rv == ErrIOPending {
			r.job = job
			p.armBackupTimerLocked(g)
			continue
		}
		g.removeJob(job)
		g.removeRequest(r.handle)
		socket := job.ReleaseSocket()
		job.FillHandle(r.handle)
		if socket != nil {
			r.handle.assignSocket(socket, ReuseTypeUnused, 0, g.generation)
			g.activeSocketCount++
		} else {
			r.handle.pending = false
		}
		p.invokeUserCallbackLaterLocked(r, rv)
	}
}

// CancelRequest withdraws a pending request. Its connect job keeps
// running for the group unless cancelJob is set; a completion callback
// already in flight is suppressed. Idempotent.
func (p *Pool) CancelRequest(key params.GroupKey, handle *Handle, cancelJob bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pendingCallbacks[handle]; ok {
		// Completed but not yet delivered; the assignment is undone.
		delete(p.pendingCallbacks, handle)
		if g, ok := p.groups[key.String()]; ok && handle.socket != nil {
			handle.socket.Close()
			g.activeSocketCount--
			p.processPendingRequestsLocked(g)
			p.deleteGroupIfEmptyLocked(g)
		}
		handle.clear()
		return
	}

	g, ok := p.groups[key.String()]
	if !ok {
		return
	}
	r := g.removeRequest(handle)
	if r == nil {
		return
	}
	p.log.Event(netlog.EventRequestCancelled, netlog.Fields{"group": key.String()})
	if r.job != nil {
		if cancelJob {
			g.removeJob(r.job)
			r.job.Close()
			p.processPendingRequestsLocked(g)
			p.checkForStalledSocketGroupsLocked()
		} else if len(g.jobs) > len(g.pending) {
			if p.totalSocketCountLocked() >= p.opts.MaxSockets {
				// At the pool cap a surplus job holds a slot another group
				// is queued for; give it back.
				g.closeOneJob()
				if stalled := p.topStalledGroupLocked(); stalled != nil {
					p.processPendingRequestsLocked(stalled)
				}
			} else {
				// The job outlives the request and can serve a later one.
				g.unassignedJobCount++
				if g.unassignedJobCount > len(g.jobs) {
					g.unassignedJobCount = len(g.jobs)
				}
			}
		}
	}
	p.deleteGroupIfEmptyLocked(g)
}

// ReleaseSocket returns a handed-out socket. It goes back on the idle
// list only if it is still connected with no unread data and its group
// generation is current; otherwise it is closed.
func (p *Pool) ReleaseSocket(key params.GroupKey, socket Socket, generation int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[key.String()]
	if !ok {
		socket.Close()
		return
	}
	if g.activeSocketCount > 0 {
		g.activeSocketCount--
	}
	if !p.closed && generation == g.generation && socket.IsConnectedAndIdle() {
		g.addIdle(socket)
	} else {
		socket.Close()
	}
	p.processPendingRequestsLocked(g)
	p.checkForStalledSocketGroupsLocked()
	p.deleteGroupIfEmptyLocked(g)
}

// SetPriority reorders a pending request and propagates the priority to
// its connect job.
func (p *Pool) SetPriority(key params.GroupKey, handle *Handle, priority params.Priority) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[key.String()]
	if !ok {
		return
	}
	r := g.findRequest(handle)
	if r == nil || r.priority == priority {
		return
	}
	g.reprioritize(r, priority)
	if r.job != nil {
		r.job.SetPriority(priority)
	}
}

// FlushWithError aborts every connect job, closes every idle socket,
// fails every pending request with err, and bumps each group's generation
// so handed-out sockets cannot return to the idle list.
func (p *Pool) FlushWithError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Event(netlog.EventPoolFlush, netlog.Fields{"error": err.Error()})
	for name, g := range p.groups {
		p.flushGroupLocked(g, err)
		if g.isEmpty() {
			delete(p.groups, name)
		}
	}
}

func (p *Pool) flushGroupLocked(g *group, err error) {
	g.generation++
	g.stopBackupTimer()
	for _, job := range g.jobs {
		job.Close()
	}
	g.jobs = nil
	g.unassignedJobCount = 0
	g.closeIdle()
	for _, r := range g.pending {
		r.job = nil
		r.handle.pending = false
		p.invokeUserCallbackLaterLocked(r, err)
	}
	g.pending = nil
}

// CloseIdleSockets closes every idle socket in the pool.
func (p *Pool) CloseIdleSockets() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, g := range p.groups {
		g.closeIdle()
		if g.isEmpty() {
			delete(p.groups, name)
		}
	}
}

// CloseIdleSocketsInGroup closes the idle sockets of one group.
func (p *Pool) CloseIdleSocketsInGroup(key params.GroupKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.groups[key.String()]; ok {
		g.closeIdle()
		p.deleteGroupIfEmptyLocked(g)
	}
}

// IdleSocketCount reports idle sockets across all groups.
func (p *Pool) IdleSocketCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, g := range p.groups {
		n += len(g.idle)
	}
	return n
}

// IsStalled reports whether the pool is at its socket cap with a request
// that closing an idle socket elsewhere could unblock, or whether any
// lower layered pool is.
func (p *Pool) IsStalled() bool {
	p.mu.Lock()
	stalled := p.isStalledLocked()
	lower := make([]LowerLayeredPool, 0, len(p.lower))
	for lp := range p.lower {
		lower = append(lower, lp)
	}
	p.mu.Unlock()
	if stalled {
		return true
	}
	for _, lp := range lower {
		if lp.IsStalled() {
			return true
		}
	}
	return false
}

func (p *Pool) isStalledLocked() bool {
	if p.totalSocketCountLocked() < p.opts.MaxSockets {
		return false
	}
	return p.topStalledGroupLocked() != nil
}

// topStalledGroupLocked finds the group with the highest-priority queued
// request that is blocked by the pool-wide cap rather than its own group
// cap.
func (p *Pool) topStalledGroupLocked() *group {
	var top *group
	for _, g := range p.groups {
		r := g.firstUnboundRequest()
		if r == nil {
			continue
		}
		if g.activeCount() >= p.opts.MaxSocketsPerGroup {
			continue
		}
		if top == nil || g.topPendingPriority() > top.topPendingPriority() {
			top = g
		}
	}
	return top
}

// checkForStalledSocketGroupsLocked frees idle capacity for stalled
// groups, highest priority first, until nothing more can be freed. A
// guard stops the re-entrancy that socket closes can trigger.
func (p *Pool) checkForStalledSocketGroupsLocked() {
	if p.checkingStalled {
		return
	}
	p.checkingStalled = true
	defer func() { p.checkingStalled = false }()

	for p.totalSocketCountLocked() >= p.opts.MaxSockets {
		g := p.topStalledGroupLocked()
		if g == nil {
			break
		}
		if !p.closeOneIdleSocketLocked(g) && !p.closeOneIdleInHigherPoolsLocked() {
			break
		}
		p.processPendingRequestsLocked(g)
	}
}

// closeOneIdleSocketLocked closes the oldest idle socket in any group but
// except.
func (p *Pool) closeOneIdleSocketLocked(except *group) bool {
	var victim *group
	var oldest time.Time
	for _, g := range p.groups {
		if g == except || len(g.idle) == 0 {
			continue
		}
		start := g.idle[0].start
		for _, s := range g.idle {
			if s.start.Before(start) {
				start = s.start
			}
		}
		if victim == nil || start.Before(oldest) {
			victim = g
			oldest = start
		}
	}
	if victim == nil {
		return false
	}
	victim.closeOldestIdle()
	p.deleteGroupIfEmptyLocked(victim)
	return true
}

func (p *Pool) closeOneIdleInHigherPoolsLocked() bool {
	for hp := range p.higher {
		if hp.CloseOneIdleConnection() {
			return true
		}
	}
	return false
}

// CloseOneIdleConnection closes one idle socket here or in a higher
// layered pool. Lower pools call this to reclaim capacity.
func (p *Pool) CloseOneIdleConnection() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeOneIdleSocketLocked(nil) || p.closeOneIdleInHigherPoolsLocked()
}

// AddHigherLayeredPool registers a pool whose sockets live on top of this
// pool's sockets.
func (p *Pool) AddHigherLayeredPool(hp HigherLayeredPool) {
	p.mu.Lock()
	p.higher[hp] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) RemoveHigherLayeredPool(hp HigherLayeredPool) {
	p.mu.Lock()
	delete(p.higher, hp)
	p.mu.Unlock()
}

// AddLowerLayeredPool registers the pool this pool's sockets are built
// on, and registers this pool as its higher layer.
func (p *Pool) AddLowerLayeredPool(lp LowerLayeredPool) {
	p.mu.Lock()
	p.lower[lp] = struct{}{}
	p.mu.Unlock()
	lp.AddHigherLayeredPool(p)
}

func (p *Pool) RemoveLowerLayeredPool(lp LowerLayeredPool) {
	p.mu.Lock()
	delete(p.lower, lp)
	p.mu.Unlock()
	lp.RemoveHigherLayeredPool(p)
}

// backup job timer

func (p *Pool) armBackupTimerLocked(g *group) {
	if !p.opts.EnableBackupJobs || g.backupTimer != nil {
		return
	}
	key := g.key
	g.backupTimer = time.AfterFunc(p.opts.BackupJobDelay, func() {
		p.onBackupTimerFired(key)
	})
}

// onBackupTimerFired starts a second connect job for a group whose first
// job is slow. While the first job is still resolving DNS, or the caps
// leave no room, the timer re-arms instead.
func (p *Pool) onBackupTimerFired(key params.GroupKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	g, ok := p.groups[key.String()]
	if !ok {
		return
	}
	g.backupTimer = nil
	if len(g.jobs) == 0 || len(g.pending) == 0 {
		return
	}

	rearm := func() {
		g.backupTimer = time.AfterFunc(p.opts.BackupJobDelay, func() {
			p.onBackupTimerFired(key)
		})
	}
	if p.totalSocketCountLocked() >= p.opts.MaxSockets ||
		g.activeCount() >= p.opts.MaxSocketsPerGroup {
		rearm()
		return
	}
	if g.jobs[0].LoadState() == LoadStateResolvingHost {
		// No point racing a connect against an unresolved name.
		rearm()
		return
	}

	r := g.topRequest()
	job, err := p.factory.NewConnectJob(r.params, r.priority, p)
	if err != nil {
		return
	}
	p.log.Event(netlog.EventBackupJobCreated, netlog.Fields{"group": key.String()})
	g.addJob(job, false)
	rv := job.Connect()
	if rv == ErrIOPending {
		return
	}
	g.removeJob(job)
	g.clearJobBinding(job)
	p.completeJobLocked(g, job, rv)
	p.processPendingRequestsLocked(g)
	p.deleteGroupIfEmptyLocked(g)
}

// snapshots

// GroupInfo is a point-in-time view of one group.
type GroupInfo struct {
	PendingRequests  int
	ConnectJobs      int
	UnassignedJobs   int
	IdleSockets      int
	ActiveSockets    int
	Generation       int64
	BackupTimerArmed bool
}

// PoolInfo is a point-in-time view of the pool.
type PoolInfo struct {
	HandedOutSockets   int
	ConnectingSockets  int
	IdleSockets        int
	MaxSockets         int
	MaxSocketsPerGroup int
	Stalled            bool
	Groups             map[string]GroupInfo
}

// Info snapshots the pool for introspection and tests.
func (p *Pool) Info() PoolInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := PoolInfo{
		MaxSockets:         p.opts.MaxSockets,
		MaxSocketsPerGroup: p.opts.MaxSocketsPerGroup,
		Stalled:            p.isStalledLocked(),
		Groups:             make(map[string]GroupInfo, len(p.groups)),
	}
	for name, g := range p.groups {
		info.HandedOutSockets += g.activeSocketCount
		info.ConnectingSockets += len(g.jobs)
		info.IdleSockets += len(g.idle)
		info.Groups[name] = GroupInfo{
			PendingRequests:  len(g.pending),
			ConnectJobs:      len(g.jobs),
			UnassignedJobs:   g.unassignedJobCount,
			IdleSockets:      len(g.idle),
			ActiveSockets:    g.activeSocketCount,
			Generation:       g.generation,
			BackupTimerArmed: g.backupTimer != nil,
		}
	}
	return info
}

// Close shuts the pool down: jobs aborted, idle sockets closed, pending
// requests failed with ErrPoolClosed. Handed-out sockets are closed as
// they come back.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for name, g := range p.groups {
		p.flushGroupLocked(g, ErrPoolClosed)
		if g.isEmpty() {
			delete(p.groups, name)
		}
	}
	p.mu.Unlock()
	p.stopOnce.Do(func() { close(p.stop) })
}

// internals

func (p *Pool) groupFor(key params.GroupKey) *group {
	name := key.String()
	g, ok := p.groups[name]
	if !ok {
		g = newGroup(key)
		p.groups[name] = g
	}
	return g
}

func (p *Pool) groupWithJobLocked(job ConnectJob) *group {
	for _, g := range p.groups {
		for _, j := range g.jobs {
			if j == job {
				return g
			}
		}
	}
	return nil
}

func (p *Pool) deleteGroupIfEmptyLocked(g *group) {
	if g.isEmpty() {
		g.stopBackupTimer()
		delete(p.groups, g.key.String())
	}
}

// totalSocketCountLocked counts every socket the pool is responsible for:
// handed out, connecting, and idle.
func (p *Pool) totalSocketCountLocked() int {
	n := 0
	for _, g := range p.groups {
		n += g.activeSocketCount + len(g.jobs) + len(g.idle)
	}
	return n
}

func (p *Pool) loadStateForHandle(key params.GroupKey, h *Handle) LoadState {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[key.String()]
	if !ok {
		return LoadStateIdle
	}
	r := g.findRequest(h)
	if r == nil {
		return LoadStateIdle
	}
	if r.job != nil {
		return r.job.LoadState()
	}
	if p.totalSocketCountLocked() >= p.opts.MaxSockets {
		return LoadStateWaitingForStalledSocketPool
	}
	return LoadStateWaitingForAvailableSocket
}

// invokeUserCallbackLaterLocked schedules the completion callback on its
// own goroutine; CancelRequest can still suppress it until it runs.
func (p *Pool) invokeUserCallbackLaterLocked(r *request, err error) {
	p.pendingCallbacks[r.handle] = struct{}{}
	go p.invokeUserCallback(r, err)
}

func (p *Pool) invokeUserCallback(r *request, err error) {
	p.mu.Lock()
	if _, ok := p.pendingCallbacks[r.handle]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pendingCallbacks, r.handle)
	cb := r.callback
	p.mu.Unlock()
	cb(err)
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.stop:
			return
		}
	}
}

// sweepIdle drops idle sockets that died or sat past their timeout.
func (p *Pool) sweepIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	now := time.Now()
	for name, g := range p.groups {
		g.pruneIdle(now, p.opts.UnusedIdleTimeout, p.opts.UsedIdleTimeout)
		if g.isEmpty() {
			g.stopBackupTimer()
			delete(p.groups, name)
		}
	}
}
