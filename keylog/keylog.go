// Package keylog feeds TLS session secrets to an SSLKEYLOGFILE-format
// sink so captured handshakes can be decrypted while debugging connect
// failures. The TLS connector reads the sink through GetWriter on every
// handshake; with nothing configured the hook is inert.
package keylog

import (
	"io"
	"os"
	"sync"
)

var (
	mu     sync.RWMutex
	sink   io.Writer
	loaded bool
)

func init() {
	loadFromEnv()
}

// loadFromEnv opens the file named by SSLKEYLOGFILE, once. Open errors are
// swallowed; key logging is best effort.
func loadFromEnv() {
	mu.Lock()
	defer mu.Unlock()
	if loaded {
		return
	}
	loaded = true

	path := os.Getenv("SSLKEYLOGFILE")
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return
	}
	sink = f
}

// GetWriter returns the key log sink for tls.Config.KeyLogWriter, or nil
// when key logging is off.
func GetWriter() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return sink
}

// SetKeyLogFile redirects key logging to path, overriding SSLKEYLOGFILE.
// An empty path disables logging.
func SetKeyLogFile(path string) error {
	mu.Lock()
	defer mu.Unlock()
	closeSinkLocked()
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	sink = f
	return nil
}

// SetKeyLogWriter installs an arbitrary sink, e.g. a buffer in tests. Nil
// disables logging.
func SetKeyLogWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	closeSinkLocked()
	sink = w
}

// Close releases the sink if this package opened it.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	return closeSinkLocked()
}

func closeSinkLocked() error {
	var err error
	if closer, ok := sink.(io.Closer); ok {
		err = closer.Close()
	}
	sink = nil
	return err
}
