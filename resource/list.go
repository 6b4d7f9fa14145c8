// Package resource holds the read-mostly string lists the engine randomizes
// from: User-Agents, Referers and path templates.
//
// Lists are loaded explicitly and published as immutable snapshots, so a
// reload never blocks or tears a concurrent read.
package resource

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LoadError reports a list file that could not be read. The list keeps its
// previous contents.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

type snapshot struct {
	path  string
	mtime time.Time
	items []string
}

// List is a line-delimited list loaded from a file.
type List struct {
	mu   sync.Mutex // serializes loads
	snap atomic.Pointer[snapshot]
}

// NewList returns a list holding items. The slice is copied.
func NewList(items []string) *List {
	l := &List{}
	l.snap.Store(&snapshot{items: append([]string(nil), items...)})
	return l
}

// Load replaces the list with the entries of path. An empty path clears the
// list. Reloading the same path is a no-op unless its modification time
// advanced. It reports whether the contents were replaced.
func (l *List) Load(path string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if path == "" {
		l.snap.Store(&snapshot{})
		return true, nil
	}

	fi, err := os.Stat(path)
	if err != nil {
		return false, &LoadError{Path: path, Err: err}
	}
	if fi.IsDir() {
		return false, &LoadError{Path: path, Err: fmt.Errorf("is a directory")}
	}
	if cur := l.snap.Load(); cur != nil && cur.path == path && !fi.ModTime().After(cur.mtime) {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, &LoadError{Path: path, Err: err}
	}
	l.snap.Store(&snapshot{path: path, mtime: fi.ModTime(), items: ParseLines(data)})
	return true, nil
}

// Publish replaces the contents of l with those of from. Lists loaded on
// the side are published this way so readers of l see the swap at once.
func (l *List) Publish(from *List) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.Store(from.snap.Load())
}

// Items returns the current entries. The slice must not be modified.
func (l *List) Items() []string {
	if s := l.snap.Load(); s != nil {
		return s.items
	}
	return nil
}

// Len returns the number of entries.
func (l *List) Len() int {
	return len(l.Items())
}

// Path returns the file the list was last loaded from.
func (l *List) Path() string {
	if s := l.snap.Load(); s != nil {
		return s.path
	}
	return ""
}

// Pick returns a uniformly chosen entry, or "" when the list is empty.
func (l *List) Pick(r Rand) string {
	items := l.Items()
	if len(items) == 0 {
		return ""
	}
	return items[r.Intn(len(items))]
}

// ParseLines splits data into trimmed entries, dropping blank lines and
// lines starting with '#'.
func ParseLines(data []byte) []string {
	items := make([]string, 0, bytes.Count(data, []byte{'\n'})+1)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	return items
}
