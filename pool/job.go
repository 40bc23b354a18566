package pool

import (
	"sync"
	"time"

	"github.com/sardanioss/netpool/netlog"
	"github.com/sardanioss/netpool/params"
)

// LoadState reports what a request or connect job is currently doing.
type LoadState int

const (
	LoadStateIdle LoadState = iota
	LoadStateWaitingForAvailableSocket
	LoadStateWaitingForStalledSocketPool
	LoadStateResolvingHost
	LoadStateConnecting
	LoadStateSSLHandshake
	LoadStateEstablishingProxyTunnel
)

func (s LoadState) String() string {
	switch s {
	case LoadStateWaitingForAvailableSocket:
		return "waiting_for_available_socket"
	case LoadStateWaitingForStalledSocketPool:
		return "waiting_for_stalled_socket_pool"
	case LoadStateResolvingHost:
		return "resolving_host"
	case LoadStateConnecting:
		return "connecting"
	case LoadStateSSLHandshake:
		return "ssl_handshake"
	case LoadStateEstablishingProxyTunnel:
		return "establishing_proxy_tunnel"
	default:
		return "idle"
	}
}

// Delegate receives asynchronous connect job completions. The pool is the
// usual delegate; a layered job is the delegate of its inner job.
type Delegate interface {
	OnConnectJobComplete(job ConnectJob, err error)
}

// ConnectJob drives one socket to the connected state. Connect returns
// nil or a terminal error when it finishes synchronously, or ErrIOPending
// with the result delivered later through the delegate. Some failures
// still carry a socket (a tunnel parked on an auth challenge); callers
// must check ReleaseSocket on error paths.
type ConnectJob interface {
	Connect() error
	Close()
	Priority() params.Priority
	SetPriority(params.Priority)
	LoadState() LoadState

	// ReleaseSocket transfers ownership of the connected socket, or nil.
	ReleaseSocket() Socket

	// FillHandle copies connect diagnostics onto the handle.
	FillHandle(h *Handle)
}

// baseJob carries the run discipline every concrete job shares: a run
// mutex serializing loop entries, one-shot completion, and the overall
// timeout timer. State machines run to completion between suspension
// points; a loop that returns ErrIOPending has already launched the
// goroutine that will re-enter it.
//
// runMu is held for the duration of a loop entry; mu guards the small
// fields and is taken briefly, also from within loops. Lock order is
// runMu before mu, and the delegate is never called with either held.
type baseJob struct {
	runMu    sync.Mutex
	mu       sync.Mutex
	priority params.Priority
	timeout  time.Duration
	timer    *time.Timer
	delegate Delegate
	self     ConnectJob
	log      *netlog.Log
	state    LoadState
	done     bool
}

func (j *baseJob) init(self ConnectJob, delegate Delegate, priority params.Priority, timeout time.Duration, log *netlog.Log) {
	j.self = self
	j.delegate = delegate
	j.priority = priority
	j.timeout = timeout
	j.log = log
}

func (j *baseJob) Priority() params.Priority {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.priority
}

func (j *baseJob) SetPriority(p params.Priority) {
	j.mu.Lock()
	j.priority = p
	j.mu.Unlock()
}

func (j *baseJob) LoadState() LoadState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *baseJob) setState(s LoadState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// connect runs the first loop entry. On synchronous completion the job is
// finalized in place and the delegate is never invoked.
func (j *baseJob) connect(loop func(error) error) error {
	j.log.Begin(netlog.EventConnectJobConnect, nil)
	j.armTimer()

	j.runMu.Lock()
	err := loop(nil)
	if err != ErrIOPending {
		j.mu.Lock()
		j.done = true
		j.stopTimerLocked()
		j.mu.Unlock()
	}
	j.runMu.Unlock()

	if err != ErrIOPending {
		j.log.End(netlog.EventConnectJobConnect, err)
	}
	return err
}

// onIOComplete re-enters the loop with an async result and notifies the
// delegate if the job finished.
func (j *baseJob) onIOComplete(loop func(error) error, result error) {
	j.runMu.Lock()
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		j.runMu.Unlock()
		return
	}
	j.mu.Unlock()

	err := loop(result)
	if err == ErrIOPending {
		j.runMu.Unlock()
		return
	}

	j.mu.Lock()
	finished := !j.done
	if finished {
		j.done = true
		j.stopTimerLocked()
	}
	j.mu.Unlock()
	j.runMu.Unlock()
	if !finished {
		return
	}

	j.log.End(netlog.EventConnectJobConnect, err)
	j.delegate.OnConnectJobComplete(j.self, err)
}

// abort marks the job done without notifying the delegate. Reports whether
// this call won the race against completion.
func (j *baseJob) abort() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return false
	}
	j.done = true
	j.stopTimerLocked()
	return true
}

func (j *baseJob) armTimer() {
	if j.timeout <= 0 {
		return
	}
	j.mu.Lock()
	j.timer = time.AfterFunc(j.timeout, j.onTimeout)
	j.mu.Unlock()
}

// ResetTimer replaces the running timeout, used when a job enters a phase
// with its own budget.
func (j *baseJob) ResetTimer(d time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return
	}
	j.stopTimerLocked()
	if d > 0 {
		j.timer = time.AfterFunc(d, j.onTimeout)
	}
}

func (j *baseJob) onTimeout() {
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return
	}
	j.done = true
	j.stopTimerLocked()
	j.mu.Unlock()

	j.log.Event(netlog.EventConnectJobTimedOut, nil)
	// Closing the concrete job's resources unblocks any in-flight dial or
	// handshake goroutine; its late result is discarded by the done flag.
	j.self.Close()
	j.delegate.OnConnectJobComplete(j.self, ErrTimedOut)
}

func (j *baseJob) stopTimerLocked() {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
}
