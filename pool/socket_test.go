package pool

import (
	"net"
	"testing"
	"time"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server, err = ln.Accept()
	}()
	client, cerr := net.Dial("tcp", ln.Addr().String())
	if cerr != nil {
		t.Fatalf("dial failed: %v", cerr)
	}
	<-done
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// waitFor polls cond until true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSocketWasEverUsed(t *testing.T) {
	client, server := tcpPair(t)
	s := NewSocket(client)

	if s.WasEverUsed() {
		t.Error("fresh socket reports used")
	}
	if _, err := s.Write([]byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var buf [1]byte
	if _, err := server.Read(buf[:]); err != nil {
		t.Fatalf("peer read failed: %v", err)
	}
	if !s.WasEverUsed() {
		t.Error("socket not marked used after write")
	}
}

func TestSocketIdleOnQuietConn(t *testing.T) {
	client, _ := tcpPair(t)
	s := NewSocket(client)

	if !s.IsConnected() {
		t.Error("quiet socket reports disconnected")
	}
	if !s.IsConnectedAndIdle() {
		t.Error("quiet socket reports not idle")
	}
}

func TestSocketPrefaceReplay(t *testing.T) {
	client, server := tcpPair(t)
	s := NewSocket(client)

	// Server speaks first on a never-used connection.
	if _, err := server.Write([]byte("hello")); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
	ns := s.(*netSocket)
	waitFor(t, func() bool {
		if !s.IsConnectedAndIdle() {
			return false
		}
		ns.mu.Lock()
		stashed := len(ns.preface) > 0
		ns.mu.Unlock()
		return stashed
	}, "preface stash")

	// The stashed bytes come back on the first read.
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("expected preface %q, got %q", "hello", buf[:n])
	}
	if !s.WasEverUsed() {
		t.Error("socket not marked used after read")
	}
}

func TestSocketDataOnUsedConnNotIdle(t *testing.T) {
	client, server := tcpPair(t)
	s := NewSocket(client)

	// Exchange one byte so the socket counts as used.
	if _, err := s.Write([]byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var one [1]byte
	if _, err := server.Read(one[:]); err != nil {
		t.Fatalf("peer read failed: %v", err)
	}
	if _, err := server.Write([]byte("y")); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
	if _, err := s.Read(one[:]); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	// Unsolicited data arriving now makes the socket unsafe to pool.
	if _, err := server.Write([]byte("stray")); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
	waitFor(t, func() bool {
		return !s.IsConnectedAndIdle()
	}, "socket to report not idle")
	if !s.IsConnected() {
		t.Error("socket should still be connected")
	}
}

func TestSocketDeadAfterPeerClose(t *testing.T) {
	client, server := tcpPair(t)
	s := NewSocket(client)

	server.Close()
	waitFor(t, func() bool {
		return !s.IsConnected()
	}, "socket to report disconnected")
	if s.IsConnectedAndIdle() {
		t.Error("closed socket reports idle")
	}
}

func TestSocketCloseMarksDead(t *testing.T) {
	client, _ := tcpPair(t)
	s := NewSocket(client)

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if s.IsConnected() {
		t.Error("closed socket reports connected")
	}
	if s.IsConnectedAndIdle() {
		t.Error("closed socket reports idle")
	}
}
