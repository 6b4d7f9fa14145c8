// Package keylog writes TLS session secrets in the NSS key log format so
// captured proxy traffic can be decrypted in Wireshark.
//
// Key logging is off unless SSLKEYLOGFILE is set or a destination is
// configured with Open or SetWriter. It applies to fingerprinted TLS
// connections and to the Go TLS stack alike.
package keylog

import (
	"io"
	"os"
	"sync"
)

// EnvVar names the environment variable read on first use.
const EnvVar = "SSLKEYLOGFILE"

var (
	mu       sync.RWMutex
	writer   io.Writer
	owned    io.Closer
	initOnce sync.Once
)

func fromEnv() {
	path := os.Getenv(EnvVar)
	if path == "" {
		return
	}
	f, err := openFile(path)
	if err != nil {
		return
	}
	mu.Lock()
	if writer == nil {
		writer, owned = f, f
	} else {
		f.Close()
	}
	mu.Unlock()
}

// Writer returns the active key log writer, or nil when key logging is off.
func Writer() io.Writer {
	initOnce.Do(fromEnv)
	mu.RLock()
	defer mu.RUnlock()
	return writer
}

// Open appends key log lines to the file at path, replacing any previous
// destination. An empty path turns key logging off.
func Open(path string) error {
	initOnce.Do(func() {})
	if path == "" {
		return Close()
	}
	f, err := openFile(path)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	closeOwned()
	writer, owned = f, f
	return nil
}

// SetWriter sends key log lines to w. The caller keeps ownership of w.
// A nil w turns key logging off.
func SetWriter(w io.Writer) {
	initOnce.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	closeOwned()
	writer = w
}

// Close turns key logging off, closing the file opened by this package.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	err := closeOwned()
	writer = nil
	return err
}

func closeOwned() error {
	if owned == nil {
		return nil
	}
	err := owned.Close()
	owned = nil
	return err
}

func openFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
}
