package pool

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/sardanioss/netpool/params"
)

// jobResult captures a single delegate completion.
type jobResult struct {
	done chan error
}

func newJobResult() *jobResult { return &jobResult{done: make(chan error, 1)} }

func (d *jobResult) OnConnectJobComplete(_ ConnectJob, err error) { d.done <- err }

// startHandshakeKiller accepts and immediately closes every connection so
// each TLS handshake against it fails hard.
func startHandshakeKiller(t *testing.T) (params.Endpoint, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return params.Endpoint{Host: "127.0.0.1", Port: addr.Port}, &accepted
}

// TestSSLJobVersionInterference tests that a hard handshake failure runs
// exactly one capped probe and classifies the outcome as interference even
// when the probe fails too.
func TestSSLJobVersionInterference(t *testing.T) {
	dest, accepted := startHandshakeKiller(t)

	f := NewJobFactory(JobFactoryConfig{
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	})
	p := params.ForSSL(params.ForTransport(dest), params.TLSConfig{
		ServerName:         "example.test",
		InsecureSkipVerify: true,
	})
	res := newJobResult()
	job, err := f.NewConnectJob(p, params.PriorityMedium, res)
	if err != nil {
		t.Fatalf("NewConnectJob failed: %v", err)
	}
	defer job.Close()

	if rv := job.Connect(); rv != ErrIOPending {
		t.Fatalf("Connect: expected ErrIOPending, got %v", rv)
	}
	var result error
	select {
	case result = <-res.done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
	}

	if !errors.Is(result, ErrTLSVersionInterference) {
		t.Fatalf("expected ErrTLSVersionInterference, got %v", result)
	}
	var le *LayerError
	if !errors.As(result, &le) || le.Layer != LayerTLS {
		t.Errorf("expected a tls layer error, got %v", result)
	}
	if got := accepted.Load(); got != 2 {
		t.Errorf("expected 2 connects (the original and one probe), got %d", got)
	}
}

// TestSSLJobNoProbeWhenVersionCapped tests that a job whose config already
// caps the version below TLS 1.3 fails without probing.
func TestSSLJobNoProbeWhenVersionCapped(t *testing.T) {
	dest, accepted := startHandshakeKiller(t)

	f := NewJobFactory(JobFactoryConfig{
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	})
	p := params.ForSSL(params.ForTransport(dest), params.TLSConfig{
		ServerName:         "example.test",
		InsecureSkipVerify: true,
		MaxVersion:         utls.VersionTLS12,
	})
	res := newJobResult()
	job, err := f.NewConnectJob(p, params.PriorityMedium, res)
	if err != nil {
		t.Fatalf("NewConnectJob failed: %v", err)
	}
	defer job.Close()

	if rv := job.Connect(); rv != ErrIOPending {
		t.Fatalf("Connect: expected ErrIOPending, got %v", rv)
	}
	var result error
	select {
	case result = <-res.done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
	}

	if result == nil || errors.Is(result, ErrTLSVersionInterference) {
		t.Fatalf("expected a plain handshake failure, got %v", result)
	}
	if got := accepted.Load(); got != 1 {
		t.Errorf("expected 1 connect (no probe), got %d", got)
	}
}
