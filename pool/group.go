package pool

import (
	"time"

	"github.com/sardanioss/netpool/params"
)

// request is one queued claim for a socket in a group.
type request struct {
	handle        *Handle
	callback      func(error)
	params        *params.Params
	priority      params.Priority
	respectLimits bool
	order         uint64

	// job is the connect job bound to this request, nil while waiting for
	// a slot or an existing job.
	job ConnectJob
}

// before orders the pending queue: higher priority first, and among
// maximum-priority requests the limit-ignoring ones jump ahead. Ties keep
// arrival order.
func (r *request) before(other *request) bool {
	if r.priority != other.priority {
		return r.priority > other.priority
	}
	if r.respectLimits != other.respectLimits {
		return !r.respectLimits
	}
	return r.order < other.order
}

// idleSocket is a socket parked in a group, with the time it went idle.
type idleSocket struct {
	socket Socket
	start  time.Time
}

// usableAt reports whether the socket is still eligible for reuse at the
// given instant: not past its idle timeout and still connected with no
// stray data.
func (s *idleSocket) usableAt(now time.Time, unusedTimeout, usedTimeout time.Duration) bool {
	timeout := unusedTimeout
	if s.socket.WasEverUsed() {
		timeout = usedTimeout
	}
	if timeout > 0 && now.Sub(s.start) >= timeout {
		return false
	}
	return s.socket.IsConnectedAndIdle()
}

// group is the per-endpoint bucket: a priority queue of pending requests,
// the jobs connecting for them, idle sockets awaiting reuse, and the
// generation stamp that invalidates handed-out sockets after a flush.
// All access happens under the pool mutex.
type group struct {
	key     params.GroupKey
	pending []*request
	jobs    []ConnectJob

	// unassignedJobCount tracks jobs with no pending request wanting them
	// (preconnects and leftovers of cancelled requests).
	unassignedJobCount int

	idle []*idleSocket

	// activeSocketCount is sockets handed out to callers.
	activeSocketCount int

	generation int64

	backupTimer *time.Timer
}

func newGroup(key params.GroupKey) *group {
	return &group{key: key}
}

// insertRequest places r in queue position.
func (g *group) insertRequest(r *request) {
	i := len(g.pending)
	for i > 0 && r.before(g.pending[i-1]) {
		i--
	}
	g.pending = append(g.pending, nil)
	copy(g.pending[i+1:], g.pending[i:])
	g.pending[i] = r
}

func (g *group) topRequest() *request {
	if len(g.pending) == 0 {
		return nil
	}
	return g.pending[0]
}

func (g *group) popTopRequest() *request {
	r := g.pending[0]
	g.pending = g.pending[1:]
	return r
}

// removeRequest takes the request for handle out of the queue, or returns
// nil if it is not queued.
func (g *group) removeRequest(h *Handle) *request {
	for i, r := range g.pending {
		if r.handle == h {
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			return r
		}
	}
	return nil
}

func (g *group) findRequest(h *Handle) *request {
	for _, r := range g.pending {
		if r.handle == h {
			return r
		}
	}
	return nil
}

// reprioritize moves an already-queued request to its new position.
func (g *group) reprioritize(r *request, p params.Priority) {
	for i, queued := range g.pending {
		if queued == r {
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			break
		}
	}
	r.priority = p
	g.insertRequest(r)
}

func (g *group) addJob(j ConnectJob, assigned bool) {
	g.jobs = append(g.jobs, j)
	if !assigned {
		g.unassignedJobCount++
	}
}

// removeJob forgets j without closing it. Reports whether it was present.
func (g *group) removeJob(j ConnectJob) bool {
	for i, job := range g.jobs {
		if job == j {
			g.jobs = append(g.jobs[:i], g.jobs[i+1:]...)
			// Unassigned jobs can never outnumber jobs.
			if g.unassignedJobCount > len(g.jobs) {
				g.unassignedJobCount = len(g.jobs)
			}
			return true
		}
	}
	return false
}

// clearJobBinding unbinds any pending request still pointing at j, so it
// can claim another job or a capacity slot.
func (g *group) clearJobBinding(j ConnectJob) {
	for _, r := range g.pending {
		if r.job == j {
			r.job = nil
		}
	}
}

// closeOneJob closes and removes one job, preferring one no pending
// request is bound to.
func (g *group) closeOneJob() bool {
	if len(g.jobs) == 0 {
		return false
	}
	j := g.unboundJob()
	if j != nil && g.unassignedJobCount > 0 {
		g.unassignedJobCount--
	}
	if j == nil {
		j = g.jobs[len(g.jobs)-1]
	}
	g.removeJob(j)
	g.clearJobBinding(j)
	j.Close()
	return true
}

// firstUnboundRequest returns the front-most pending request with no
// connect job covering it.
func (g *group) firstUnboundRequest() *request {
	for _, r := range g.pending {
		if r.job == nil {
			return r
		}
	}
	return nil
}

// unboundJob returns a job no pending request is bound to, or nil.
func (g *group) unboundJob() ConnectJob {
	for _, j := range g.jobs {
		bound := false
		for _, r := range g.pending {
			if r.job == j {
				bound = true
				break
			}
		}
		if !bound {
			return j
		}
	}
	return nil
}

// activeCount is the group's share of capacity: handed-out sockets plus
// in-flight jobs.
func (g *group) activeCount() int {
	return g.activeSocketCount + len(g.jobs)
}

func (g *group) addIdle(s Socket) {
	g.idle = append(g.idle, &idleSocket{socket: s, start: time.Now()})
}

// popIdleSocket picks the reuse candidate: the most recently parked socket
// that has carried traffic, else the oldest unused one. Unusable sockets
// found along the way are closed and dropped.
func (g *group) popIdleSocket(unusedTimeout, usedTimeout time.Duration) *idleSocket {
	now := time.Now()
	g.pruneIdle(now, unusedTimeout, usedTimeout)

	pick := -1
	for i, s := range g.idle {
		if s.socket.WasEverUsed() {
			// Later entries were parked more recently.
			pick = i
		}
	}
	if pick < 0 {
		for i, s := range g.idle {
			if !s.socket.WasEverUsed() {
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		return nil
	}
	s := g.idle[pick]
	g.idle = append(g.idle[:pick], g.idle[pick+1:]...)
	return s
}

// pruneIdle drops idle sockets that timed out or died. Returns how many
// were closed.
func (g *group) pruneIdle(now time.Time, unusedTimeout, usedTimeout time.Duration) int {
	closed := 0
	kept := g.idle[:0]
	for _, s := range g.idle {
		if s.usableAt(now, unusedTimeout, usedTimeout) {
			kept = append(kept, s)
		} else {
			s.socket.Close()
			closed++
		}
	}
	g.idle = kept
	return closed
}

// closeIdle closes every idle socket. Returns how many were closed.
func (g *group) closeIdle() int {
	n := len(g.idle)
	for _, s := range g.idle {
		s.socket.Close()
	}
	g.idle = nil
	return n
}

// closeOldestIdle closes the idle socket that has been parked longest.
func (g *group) closeOldestIdle() bool {
	if len(g.idle) == 0 {
		return false
	}
	oldest := 0
	for i, s := range g.idle {
		if s.start.Before(g.idle[oldest].start) {
			oldest = i
		}
	}
	g.idle[oldest].socket.Close()
	g.idle = append(g.idle[:oldest], g.idle[oldest+1:]...)
	return true
}

// topPendingPriority is the priority of the front request, used when
// picking which stalled group to unblock first.
func (g *group) topPendingPriority() params.Priority {
	if len(g.pending) == 0 {
		return params.PriorityIdle
	}
	return g.pending[0].priority
}

func (g *group) stopBackupTimer() {
	if g.backupTimer != nil {
		g.backupTimer.Stop()
		g.backupTimer = nil
	}
}

// isEmpty reports whether the group holds nothing and can be deleted.
func (g *group) isEmpty() bool {
	return len(g.pending) == 0 && len(g.jobs) == 0 && len(g.idle) == 0 &&
		g.activeSocketCount == 0
}
