package pool

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sardanioss/netpool/params"
)

var errConnectFailed = errors.New("connect failed")

// fakeAddr satisfies net.Addr for fake sockets.
type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeSocket is a Socket whose liveness and usage the test controls.
type fakeSocket struct {
	mu     sync.Mutex
	closed bool
	used   bool
}

func newFakeSocket() *fakeSocket { return &fakeSocket{} }

func (s *fakeSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = true
	return 0, nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = true
	return len(p), nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) LocalAddr() net.Addr                { return fakeAddr("local") }
func (s *fakeSocket) RemoteAddr() net.Addr               { return fakeAddr("remote") }
func (s *fakeSocket) SetDeadline(time.Time) error        { return nil }
func (s *fakeSocket) SetReadDeadline(time.Time) error    { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error   { return nil }

func (s *fakeSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *fakeSocket) IsConnectedAndIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *fakeSocket) WasEverUsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) markUsed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = true
}

type fakeJobMode int

const (
	// jobModeSync completes with a socket inside Connect.
	jobModeSync fakeJobMode = iota
	// jobModeSyncFail fails inside Connect.
	jobModeSyncFail
	// jobModePending returns ErrIOPending; the test finishes the job with
	// Complete.
	jobModePending
)

// fakeJob is a ConnectJob the test drives by hand.
type fakeJob struct {
	mode     fakeJobMode
	delegate Delegate

	mu       sync.Mutex
	priority params.Priority
	state    LoadState
	socket   *fakeSocket
	done     bool
	closed   bool
}

func (j *fakeJob) Connect() error {
	switch j.mode {
	case jobModeSync:
		j.mu.Lock()
		j.socket = newFakeSocket()
		j.done = true
		j.mu.Unlock()
		return nil
	case jobModeSyncFail:
		j.mu.Lock()
		j.done = true
		j.mu.Unlock()
		return errConnectFailed
	default:
		return ErrIOPending
	}
}

// Complete finishes a pending job from the test, attaching a fresh socket
// on success.
func (j *fakeJob) Complete(err error) {
	j.mu.Lock()
	if j.done || j.closed {
		j.mu.Unlock()
		return
	}
	j.done = true
	if err == nil {
		j.socket = newFakeSocket()
	}
	d := j.delegate
	j.mu.Unlock()
	d.OnConnectJobComplete(j, err)
}

func (j *fakeJob) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	if j.socket != nil {
		j.socket.Close()
		j.socket = nil
	}
}

func (j *fakeJob) isClosed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed
}

func (j *fakeJob) Priority() params.Priority {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.priority
}

func (j *fakeJob) SetPriority(p params.Priority) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.priority = p
}

func (j *fakeJob) LoadState() LoadState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *fakeJob) setLoadState(s LoadState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
}

func (j *fakeJob) ReleaseSocket() Socket {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.socket == nil {
		return nil
	}
	s := j.socket
	j.socket = nil
	return s
}

func (j *fakeJob) FillHandle(h *Handle) {}

// fakeFactory records every job it creates. Modes queued with pushMode
// apply to the next jobs in order; later jobs use defaultMode.
type fakeFactory struct {
	mu          sync.Mutex
	defaultMode fakeJobMode
	modes       []fakeJobMode
	jobs        []*fakeJob
	err         error
}

func (f *fakeFactory) NewConnectJob(p *params.Params, priority params.Priority, d Delegate) (ConnectJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	mode := f.defaultMode
	if len(f.modes) > 0 {
		mode = f.modes[0]
		f.modes = f.modes[1:]
	}
	j := &fakeJob{
		mode:     mode,
		delegate: d,
		priority: priority,
		state:    LoadStateConnecting,
	}
	f.jobs = append(f.jobs, j)
	return j, nil
}

func (f *fakeFactory) pushMode(modes ...fakeJobMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, modes...)
}

func (f *fakeFactory) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeFactory) job(i int) *fakeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[i]
}

func testParamsFor(host string) *params.Params {
	return params.ForTransport(params.Endpoint{Host: host, Port: 80})
}

func testKeyFor(host string) params.GroupKey {
	return params.GroupKeyFor(testParamsFor(host), params.PrivacyModeDisabled, "")
}

func newTestPool(t *testing.T, f ConnectJobFactory, opts Options) *Pool {
	t.Helper()
	p := NewPool(f, opts)
	t.Cleanup(p.Close)
	return p
}

// requestAsync issues a request and returns the handle plus the channel
// the completion callback signals.
func requestAsync(t *testing.T, p *Pool, host string, priority params.Priority) (*Handle, chan error, error) {
	t.Helper()
	h := &Handle{}
	ch := make(chan error, 1)
	err := p.RequestSocket(testParamsFor(host), testKeyFor(host), priority, true, h, func(err error) {
		ch <- err
	})
	return h, ch, err
}

func waitErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion callback")
		return nil
	}
}

func waitJobs(t *testing.T, f *fakeFactory, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.jobCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d jobs, have %d", n, f.jobCount())
		}
		time.Sleep(time.Millisecond)
	}
}

// TestRequestSocketSync tests synchronous connect completion.
func TestRequestSocketSync(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{})

	h, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != nil {
		t.Fatalf("expected sync success, got %v", err)
	}
	if h.Socket() == nil {
		t.Fatal("expected socket on handle")
	}
	if h.ReuseType() != ReuseTypeUnused {
		t.Errorf("ReuseType: expected unused, got %v", h.ReuseType())
	}

	info := p.Info()
	if info.HandedOutSockets != 1 {
		t.Errorf("HandedOutSockets: expected 1, got %d", info.HandedOutSockets)
	}
}

// TestRequestSocketSyncFailure tests synchronous connect failure.
func TestRequestSocketSyncFailure(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSyncFail}
	p := newTestPool(t, f, Options{})

	h, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if !errors.Is(err, errConnectFailed) {
		t.Fatalf("expected errConnectFailed, got %v", err)
	}
	if h.Socket() != nil {
		t.Fatal("expected no socket on failed handle")
	}
	if got := p.Info().HandedOutSockets; got != 0 {
		t.Errorf("HandedOutSockets: expected 0, got %d", got)
	}
}

// TestRequestSocketAsync tests pending connect completion through the
// callback.
func TestRequestSocketAsync(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{})

	h, ch, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("expected ErrIOPending, got %v", err)
	}
	if h.Socket() != nil {
		t.Fatal("socket assigned before completion")
	}
	if got := h.LoadState(); got != LoadStateConnecting {
		t.Errorf("LoadState: expected connecting, got %v", got)
	}

	f.job(0).Complete(nil)
	if err := waitErr(t, ch); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if h.Socket() == nil {
		t.Fatal("expected socket after completion")
	}
}

// TestRequestSocketAsyncFailure tests that a pending connect failure
// reaches the callback with no socket.
func TestRequestSocketAsyncFailure(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{})

	h, ch, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("expected ErrIOPending, got %v", err)
	}

	f.job(0).Complete(errConnectFailed)
	if err := waitErr(t, ch); !errors.Is(err, errConnectFailed) {
		t.Fatalf("expected errConnectFailed, got %v", err)
	}
	if h.Socket() != nil {
		t.Fatal("expected no socket on failure")
	}
}

// TestIdleSocketReuse tests that a released socket is handed to the next
// request synchronously.
func TestIdleSocketReuse(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{})

	h1, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	first := h1.Socket()
	first.Write([]byte("x")) // mark used
	h1.Release()

	if got := p.IdleSocketCount(); got != 1 {
		t.Fatalf("IdleSocketCount: expected 1, got %d", got)
	}

	h2, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if h2.Socket() != first {
		t.Fatal("expected the released socket back")
	}
	if !h2.IsReused() {
		t.Error("expected ReuseTypeReusedIdle for a used socket")
	}
	if f.jobCount() != 1 {
		t.Errorf("expected no second connect job, got %d jobs", f.jobCount())
	}
}

// TestIdleReusePrefersUsedNewest tests the reuse pick order: most
// recently parked used socket first, then oldest unused.
func TestIdleReusePrefersUsedNewest(t *testing.T) {
	g := newGroup(testKeyFor("a.test"))

	unused := newFakeSocket()
	usedOld := newFakeSocket()
	usedOld.markUsed()
	usedNew := newFakeSocket()
	usedNew.markUsed()

	g.addIdle(unused)
	g.addIdle(usedOld)
	g.addIdle(usedNew)

	if s := g.popIdleSocket(0, 0); s == nil || s.socket != Socket(usedNew) {
		t.Fatal("expected newest used socket first")
	}
	if s := g.popIdleSocket(0, 0); s == nil || s.socket != Socket(usedOld) {
		t.Fatal("expected remaining used socket second")
	}
	if s := g.popIdleSocket(0, 0); s == nil || s.socket != Socket(unused) {
		t.Fatal("expected unused socket last")
	}
}

// TestGroupCapQueuesRequests tests the per-group cap.
func TestGroupCapQueuesRequests(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{MaxSocketsPerGroup: 1})

	_, ch1, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("first request: expected ErrIOPending, got %v", err)
	}
	h2, ch2, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("second request: expected ErrIOPending, got %v", err)
	}
	if f.jobCount() != 1 {
		t.Fatalf("expected 1 job at the group cap, got %d", f.jobCount())
	}
	if got := h2.LoadState(); got != LoadStateWaitingForAvailableSocket {
		t.Errorf("LoadState: expected waiting_for_available_socket, got %v", got)
	}

	f.job(0).Complete(nil)
	if err := waitErr(t, ch1); err != nil {
		t.Fatalf("first completion: %v", err)
	}

	// The second request stays queued until the socket comes back.
	select {
	case err := <-ch2:
		t.Fatalf("second request completed early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestReleaseServesQueuedRequest tests that releasing a socket hands it
// to the next queued request in the group.
func TestReleaseServesQueuedRequest(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{MaxSocketsPerGroup: 1})

	h1, ch1, _ := requestAsync(t, p, "a.test", params.PriorityMedium)
	h2, ch2, _ := requestAsync(t, p, "a.test", params.PriorityMedium)

	f.job(0).Complete(nil)
	if err := waitErr(t, ch1); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	s := h1.Socket()
	h1.Release()

	if err := waitErr(t, ch2); err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if h2.Socket() != s {
		t.Fatal("expected the released socket to serve the queued request")
	}
}

// TestPendingRequestPriorityOrder tests that a completed socket goes to
// the highest-priority pending request regardless of arrival order.
func TestPendingRequestPriorityOrder(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{MaxSocketsPerGroup: 1})

	_, chLow, _ := requestAsync(t, p, "a.test", params.PriorityLow)
	_, chLow2, _ := requestAsync(t, p, "a.test", params.PriorityLow)
	hHigh, chHigh, _ := requestAsync(t, p, "a.test", params.PriorityHigh)

	f.job(0).Complete(nil)
	if err := waitErr(t, chHigh); err != nil {
		t.Fatalf("high-priority completion: %v", err)
	}
	if hHigh.Socket() == nil {
		t.Fatal("expected socket on high-priority handle")
	}

	select {
	case <-chLow:
		t.Fatal("low-priority request served before high")
	case <-chLow2:
		t.Fatal("low-priority request served before high")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestSetPriorityReorders tests that SetPriority moves a queued request
// ahead of earlier arrivals.
func TestSetPriorityReorders(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{MaxSocketsPerGroup: 1})

	_, _, _ = requestAsync(t, p, "a.test", params.PriorityMedium)
	_, chA, _ := requestAsync(t, p, "a.test", params.PriorityLow)
	hB, chB, _ := requestAsync(t, p, "a.test", params.PriorityLow)

	p.SetPriority(testKeyFor("a.test"), hB, params.PriorityHigh)

	f.job(0).Complete(nil)
	if err := waitErr(t, chB); err != nil {
		t.Fatalf("reprioritized completion: %v", err)
	}
	select {
	case <-chA:
		t.Fatal("lower-priority request served first")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestIgnoreLimitsRequiresMaxPriority tests the respectLimits=false
// precondition.
func TestIgnoreLimitsRequiresMaxPriority(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{})

	h := &Handle{}
	err := p.RequestSocket(testParamsFor("a.test"), testKeyFor("a.test"), params.PriorityMedium, false, h, func(error) {})
	if err == nil {
		t.Fatal("expected error for limit-ignoring request below maximum priority")
	}
}

// TestIgnoreLimitsBypassesCaps tests that a limit-ignoring request
// connects even when both caps are exhausted.
func TestIgnoreLimitsBypassesCaps(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{MaxSockets: 1, MaxSocketsPerGroup: 1})

	_, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("first request: %v", err)
	}

	f.pushMode(jobModeSync)
	h := &Handle{}
	err = p.RequestSocket(testParamsFor("a.test"), testKeyFor("a.test"), params.PriorityMaximum, false, h, func(error) {})
	if err != nil {
		t.Fatalf("limit-ignoring request: expected sync success, got %v", err)
	}
	if h.Socket() == nil {
		t.Fatal("expected socket on limit-ignoring handle")
	}
}

// TestPreconnect tests that RequestSockets starts unassigned jobs and a
// later request claims one instead of starting its own.
func TestPreconnect(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{})

	if err := p.RequestSockets(testParamsFor("a.test"), testKeyFor("a.test"), 2); err != nil {
		t.Fatalf("RequestSockets: %v", err)
	}
	if f.jobCount() != 2 {
		t.Fatalf("expected 2 preconnect jobs, got %d", f.jobCount())
	}

	info := p.Info()
	gi := info.Groups[testKeyFor("a.test").String()]
	if gi.UnassignedJobs != 2 {
		t.Errorf("UnassignedJobs: expected 2, got %d", gi.UnassignedJobs)
	}

	_, ch, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("expected ErrIOPending, got %v", err)
	}
	if f.jobCount() != 2 {
		t.Fatalf("request should claim a preconnect job, got %d jobs", f.jobCount())
	}

	f.job(0).Complete(nil)
	if err := waitErr(t, ch); err != nil {
		t.Fatalf("completion: %v", err)
	}
}

// TestPreconnectParksIdle tests that preconnected sockets with no waiting
// request land on the idle list.
func TestPreconnectParksIdle(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{})

	if err := p.RequestSockets(testParamsFor("a.test"), testKeyFor("a.test"), 3); err != nil {
		t.Fatalf("RequestSockets: %v", err)
	}
	if got := p.IdleSocketCount(); got != 3 {
		t.Errorf("IdleSocketCount: expected 3, got %d", got)
	}

	// A request now reuses one without a job.
	h, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != nil {
		t.Fatalf("expected sync reuse, got %v", err)
	}
	if h.ReuseType() != ReuseTypeUnusedIdle {
		t.Errorf("ReuseType: expected unused idle, got %v", h.ReuseType())
	}
	if f.jobCount() != 3 {
		t.Errorf("expected no new job, got %d", f.jobCount())
	}
}

// TestPreconnectCappedAtGroupLimit tests that preconnect never exceeds
// the per-group cap.
func TestPreconnectCappedAtGroupLimit(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{MaxSocketsPerGroup: 2})

	if err := p.RequestSockets(testParamsFor("a.test"), testKeyFor("a.test"), 10); err != nil {
		t.Fatalf("RequestSockets: %v", err)
	}
	if f.jobCount() != 2 {
		t.Errorf("expected 2 jobs at the group cap, got %d", f.jobCount())
	}
}

// TestCancelRequestLeavesJobForGroup tests that cancelling keeps the
// connect job alive for the next request.
func TestCancelRequestLeavesJobForGroup(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{})

	h1, ch1, _ := requestAsync(t, p, "a.test", params.PriorityMedium)
	p.CancelRequest(testKeyFor("a.test"), h1, false)

	if f.job(0).isClosed() {
		t.Fatal("job closed despite cancelJob=false")
	}

	// A new request claims the leftover job.
	_, ch2, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("expected ErrIOPending, got %v", err)
	}
	if f.jobCount() != 1 {
		t.Fatalf("expected leftover job reuse, got %d jobs", f.jobCount())
	}

	f.job(0).Complete(nil)
	if err := waitErr(t, ch2); err != nil {
		t.Fatalf("completion: %v", err)
	}
	select {
	case err := <-ch1:
		t.Fatalf("cancelled request got callback: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestCancelRequestClosesJob tests the cancelJob=true path.
func TestCancelRequestClosesJob(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{})

	h, _, _ := requestAsync(t, p, "a.test", params.PriorityMedium)
	p.CancelRequest(testKeyFor("a.test"), h, true)

	if !f.job(0).isClosed() {
		t.Fatal("expected job closed with cancelJob=true")
	}
	if got := len(p.Info().Groups); got != 0 {
		t.Errorf("expected empty pool, got %d groups", got)
	}
}

// TestCancelRequestIdempotent tests double cancel.
func TestCancelRequestIdempotent(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{})

	h, _, _ := requestAsync(t, p, "a.test", params.PriorityMedium)
	p.CancelRequest(testKeyFor("a.test"), h, false)
	p.CancelRequest(testKeyFor("a.test"), h, false)
	p.CancelRequest(testKeyFor("a.test"), h, true)
}

// TestHandleResetCancelsPending tests Reset on a pending handle.
func TestHandleResetCancelsPending(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{})

	h, ch, _ := requestAsync(t, p, "a.test", params.PriorityMedium)
	h.Reset()

	f.job(0).Complete(nil)
	select {
	case err := <-ch:
		t.Fatalf("reset handle got callback: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	// The orphaned socket went idle for the group.
	if got := p.IdleSocketCount(); got != 1 {
		t.Errorf("IdleSocketCount: expected 1, got %d", got)
	}
}

// TestFlushWithError tests generation invalidation: pending requests
// fail, idle sockets close, and handed-out sockets are closed on release.
func TestFlushWithError(t *testing.T) {
	flushErr := errors.New("network changed")
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{})

	// One handed out, one idle.
	h1, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	h2, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	idleSock := h2.Socket().(*fakeSocket)
	h2.Release()

	// And one pending.
	f.pushMode(jobModePending)
	_, ch3, err := requestAsync(t, p, "b.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("third request: %v", err)
	}

	p.FlushWithError(flushErr)

	if err := waitErr(t, ch3); !errors.Is(err, flushErr) {
		t.Fatalf("pending request: expected flush error, got %v", err)
	}
	if !idleSock.isClosed() {
		t.Error("idle socket not closed by flush")
	}
	if got := p.IdleSocketCount(); got != 0 {
		t.Errorf("IdleSocketCount: expected 0, got %d", got)
	}

	// The handed-out socket is from the old generation and must not go
	// back on the idle list.
	handed := h1.Socket().(*fakeSocket)
	h1.Release()
	if !handed.isClosed() {
		t.Error("stale-generation socket not closed on release")
	}
	if got := p.IdleSocketCount(); got != 0 {
		t.Errorf("IdleSocketCount after release: expected 0, got %d", got)
	}
}

// TestReleaseDeadSocketNotPooled tests that a disconnected socket is
// closed instead of parked.
func TestReleaseDeadSocketNotPooled(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{})

	h, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	s := h.Socket().(*fakeSocket)
	s.Close()
	h.Release()

	if got := p.IdleSocketCount(); got != 0 {
		t.Errorf("IdleSocketCount: expected 0, got %d", got)
	}
}

// TestStalledGroupUnblocksOnRelease tests the pool-wide cap: a group
// blocked by the total limit gets capacity when another group's socket
// goes idle.
func TestStalledGroupUnblocksOnRelease(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{MaxSockets: 1, MaxSocketsPerGroup: 1})

	hA, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != nil {
		t.Fatalf("group a request: %v", err)
	}

	_, chB, err := requestAsync(t, p, "b.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("group b request: expected ErrIOPending, got %v", err)
	}
	if !p.IsStalled() {
		t.Error("expected pool stalled at cap with a blocked request")
	}

	// Releasing a's socket parks it idle; the stall check closes it to
	// make room for b.
	sockA := hA.Socket().(*fakeSocket)
	hA.Release()
	if err := waitErr(t, chB); err != nil {
		t.Fatalf("group b completion: %v", err)
	}
	if !sockA.isClosed() {
		t.Error("expected group a idle socket closed for the stalled group")
	}
}

// TestRequestClosesIdleElsewhereAtCap tests that a new request at the
// pool cap evicts another group's idle socket instead of queueing.
func TestRequestClosesIdleElsewhereAtCap(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{MaxSockets: 1, MaxSocketsPerGroup: 1})

	hA, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != nil {
		t.Fatalf("group a request: %v", err)
	}
	sockA := hA.Socket().(*fakeSocket)
	hA.Release()

	hB, _, err := requestAsync(t, p, "b.test", params.PriorityMedium)
	if err != nil {
		t.Fatalf("group b request: expected sync success, got %v", err)
	}
	if hB.Socket() == nil {
		t.Fatal("expected socket for group b")
	}
	if !sockA.isClosed() {
		t.Error("expected group a idle socket evicted")
	}
}

// TestCloseOneIdleConnection tests explicit idle reclamation.
func TestCloseOneIdleConnection(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{})

	h, _, _ := requestAsync(t, p, "a.test", params.PriorityMedium)
	h.Release()
	if got := p.IdleSocketCount(); got != 1 {
		t.Fatalf("IdleSocketCount: expected 1, got %d", got)
	}
	if !p.CloseOneIdleConnection() {
		t.Fatal("expected an idle socket to close")
	}
	if got := p.IdleSocketCount(); got != 0 {
		t.Errorf("IdleSocketCount: expected 0, got %d", got)
	}
	if p.CloseOneIdleConnection() {
		t.Error("expected nothing left to close")
	}
}

// TestLayeredPoolStallPropagation tests IsStalled through a lower pool
// and CloseOneIdleConnection through a higher one.
func TestLayeredPoolStallPropagation(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	upper := newTestPool(t, f, Options{})
	lowerF := &fakeFactory{defaultMode: jobModeSync}
	lower := newTestPool(t, lowerF, Options{MaxSockets: 1, MaxSocketsPerGroup: 1})

	upper.AddLowerLayeredPool(lower)

	// Stall the lower pool.
	_, _, err := requestAsync(t, lower, "a.test", params.PriorityMedium)
	if err != nil {
		t.Fatalf("lower request: %v", err)
	}
	lowerF.pushMode(jobModePending)
	_, _, err = requestAsync(t, lower, "b.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("lower stall request: expected ErrIOPending, got %v", err)
	}

	if !upper.IsStalled() {
		t.Error("expected upper pool stalled through its lower layer")
	}

	// An idle socket in the upper pool is reachable from the lower pool.
	h, _, _ := requestAsync(t, upper, "c.test", params.PriorityMedium)
	h.Release()
	if !lower.CloseOneIdleConnection() {
		t.Error("expected lower pool to reclaim an upper-layer idle socket")
	}
	if got := upper.IdleSocketCount(); got != 0 {
		t.Errorf("upper IdleSocketCount: expected 0, got %d", got)
	}
}

// TestBackupJob tests that a slow connect gets a second racing job.
func TestBackupJob(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{
		EnableBackupJobs: true,
		BackupJobDelay:   10 * time.Millisecond,
	})

	_, ch, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("request: %v", err)
	}
	waitJobs(t, f, 2)

	// The backup finishing first serves the request.
	f.job(1).Complete(nil)
	if err := waitErr(t, ch); err != nil {
		t.Fatalf("completion: %v", err)
	}

	// The original job finishing later parks its socket idle.
	f.job(0).Complete(nil)
	deadline := time.Now().Add(time.Second)
	for p.IdleSocketCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("IdleSocketCount: expected 1, got %d", p.IdleSocketCount())
		}
		time.Sleep(time.Millisecond)
	}
}

// TestBackupJobWaitsForDNS tests that no backup job starts while the
// first job is still resolving.
func TestBackupJobWaitsForDNS(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{
		EnableBackupJobs: true,
		BackupJobDelay:   10 * time.Millisecond,
	})

	_, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("request: %v", err)
	}
	f.job(0).setLoadState(LoadStateResolvingHost)

	time.Sleep(60 * time.Millisecond)
	if f.jobCount() != 1 {
		t.Fatalf("expected no backup job during resolution, got %d jobs", f.jobCount())
	}

	// Once past resolution the re-armed timer starts the backup.
	f.job(0).setLoadState(LoadStateConnecting)
	waitJobs(t, f, 2)
}

// TestPoolCloseFailsPending tests shutdown semantics.
func TestPoolCloseFailsPending(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := NewPool(f, Options{})

	_, ch, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("request: %v", err)
	}
	p.Close()

	if err := waitErr(t, ch); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if !f.job(0).isClosed() {
		t.Error("expected connect job closed on pool close")
	}

	h := &Handle{}
	err = p.RequestSocket(testParamsFor("a.test"), testKeyFor("a.test"), params.PriorityMedium, true, h, func(error) {})
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("request after close: expected ErrPoolClosed, got %v", err)
	}
}

// TestIdleSweep tests that expired idle sockets are evicted.
func TestIdleSweep(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{
		UnusedIdleTimeout: 10 * time.Millisecond,
		UsedIdleTimeout:   10 * time.Millisecond,
		CleanupInterval:   5 * time.Millisecond,
	})

	h, _, _ := requestAsync(t, p, "a.test", params.PriorityMedium)
	sock := h.Socket().(*fakeSocket)
	h.Release()

	deadline := time.Now().Add(time.Second)
	for p.IdleSocketCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle socket not swept")
		}
		time.Sleep(time.Millisecond)
	}
	if !sock.isClosed() {
		t.Error("swept socket not closed")
	}
}

// TestGroupRequestQueueOrder tests the queue comparator directly.
func TestGroupRequestQueueOrder(t *testing.T) {
	tests := []struct {
		name string
		a, b *request
		want bool
	}{
		{
			name: "higher priority first",
			a:    &request{priority: params.PriorityHigh, respectLimits: true, order: 2},
			b:    &request{priority: params.PriorityLow, respectLimits: true, order: 1},
			want: true,
		},
		{
			name: "fifo within priority",
			a:    &request{priority: params.PriorityLow, respectLimits: true, order: 2},
			b:    &request{priority: params.PriorityLow, respectLimits: true, order: 1},
			want: false,
		},
		{
			name: "limit-ignoring ahead at max priority",
			a:    &request{priority: params.PriorityMaximum, respectLimits: false, order: 2},
			b:    &request{priority: params.PriorityMaximum, respectLimits: true, order: 1},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.before(tt.b); got != tt.want {
				t.Errorf("before() = %v, expected %v", got, tt.want)
			}
		})
	}
}

// TestInfoCounts tests the snapshot arithmetic.
func TestInfoCounts(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{})

	handles := make([]*Handle, 0, 3)
	for i := 0; i < 3; i++ {
		h, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	handles[2].Release()
	f.pushMode(jobModePending)
	if _, _, err := requestAsync(t, p, "b.test", params.PriorityMedium); err != ErrIOPending {
		t.Fatalf("pending request: %v", err)
	}

	info := p.Info()
	if info.HandedOutSockets != 2 {
		t.Errorf("HandedOutSockets: expected 2, got %d", info.HandedOutSockets)
	}
	if info.ConnectingSockets != 1 {
		t.Errorf("ConnectingSockets: expected 1, got %d", info.ConnectingSockets)
	}
	if info.IdleSockets != 1 {
		t.Errorf("IdleSockets: expected 1, got %d", info.IdleSockets)
	}
}

// TestConcurrentRequests exercises the pool from many goroutines.
func TestConcurrentRequests(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModeSync}
	p := newTestPool(t, f, Options{MaxSockets: 32, MaxSocketsPerGroup: 8})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := fmt.Sprintf("host%d.test", i%4)
			h := &Handle{}
			ch := make(chan error, 1)
			err := p.RequestSocket(testParamsFor(host), testKeyFor(host), params.PriorityMedium, true, h, func(err error) {
				ch <- err
			})
			if err == ErrIOPending {
				err = <-ch
			}
			if err != nil {
				t.Errorf("request %d: %v", i, err)
				return
			}
			h.Release()
		}(i)
	}
	wg.Wait()

	info := p.Info()
	if info.HandedOutSockets != 0 {
		t.Errorf("HandedOutSockets after release: expected 0, got %d", info.HandedOutSockets)
	}
}

// TestCancelRequestReclaimsJobAtCap tests that cancelling a request while
// the pool sits at its socket cap closes the surplus job instead of
// keeping it for the group.
func TestCancelRequestReclaimsJobAtCap(t *testing.T) {
	f := &fakeFactory{defaultMode: jobModePending}
	p := newTestPool(t, f, Options{MaxSockets: 1, MaxSocketsPerGroup: 1})

	h, _, err := requestAsync(t, p, "a.test", params.PriorityMedium)
	if err != ErrIOPending {
		t.Fatalf("expected ErrIOPending, got %v", err)
	}
	waitJobs(t, f, 1)

	p.CancelRequest(testKeyFor("a.test"), h, false)
	if !f.job(0).isClosed() {
		t.Error("expected the surplus job closed at the socket cap")
	}
	if info := p.Info(); info.ConnectingSockets != 0 {
		t.Errorf("ConnectingSockets: expected 0, got %d", info.ConnectingSockets)
	}
}
