// Package memdb provides an in-memory command-driven store as a stock
// connruntime driver. It exists so the runtime, the CLI, and the tests
// have a native backend without external dependencies; the command
// surface is deliberately tiny.
//
// Supported commands:
//
//	PING             -> "PONG"
//	SET <key> <val>  -> "OK"
//	GET <key>        -> value
//	DEL <key>        -> number of keys removed (0 or 1)
//	KEYS             -> sorted key list
//	LEN              -> number of keys
//
// A path of ":memory:" opens a private store that disappears with the
// connection. Any other path names a shared store on the driver, created
// on demand when the mode carries ModeCreate.
package memdb

import (
	"context"
	"sort"
	"strings"
	"sync"

	connruntime "github.com/dbhost/conn-runtime"
	"github.com/dbhost/conn-runtime/errors"
)

// Native status codes reported by this driver.
const (
	StatusBusy     = 5  // handle already closed mid-operation
	StatusReadOnly = 8  // write command on a read-only connection
	StatusCantOpen = 14 // store missing and ModeCreate not set
	StatusMisuse   = 21 // command syntax error or double close
)

// MemoryPath opens a private, connection-scoped store.
const MemoryPath = ":memory:"

// Driver is the in-memory store driver. It is safe for concurrent use.
type Driver struct {
	mu     sync.Mutex
	stores map[string]*store
}

// New creates an empty driver.
func New() *Driver {
	return &Driver{
		stores: make(map[string]*store),
	}
}

// Open returns a connection to the store named by path.
func (d *Driver) Open(ctx context.Context, path string, mode connruntime.Mode) (connruntime.NativeConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Driver(errors.PhaseOpen, err)
	}
	if path == "" {
		return nil, errors.New(errors.PhaseOpen, errors.KindOpenFailed).
			Status(StatusMisuse).
			Detail("empty path").
			Build()
	}

	if path == MemoryPath {
		return &Conn{store: newStore(), mode: mode}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.stores[path]
	if !ok {
		if !mode.Has(connruntime.ModeCreate) {
			return nil, errors.New(errors.PhaseOpen, errors.KindOpenFailed).
				Status(StatusCantOpen).
				Detail("store %q does not exist", path).
				Build()
		}
		st = newStore()
		d.stores[path] = st
	}
	return &Conn{store: st, mode: mode}, nil
}

// Drop removes a named store from the driver. Open connections keep
// their reference; new opens without ModeCreate fail.
func (d *Driver) Drop(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.stores, path)
}

// Conn is an open handle to one store. It is not safe for concurrent use
// by itself; the scheduler provides the required serialization for
// writes, and concurrent reads go through the store's own lock.
type Conn struct {
	store  *store
	mode   connruntime.Mode
	mu     sync.Mutex
	closed bool
}

// Exec parses and runs one command line.
func (c *Conn) Exec(ctx context.Context, command string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Driver(errors.PhaseExec, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New(errors.PhaseExec, errors.KindDriver).
			Status(StatusBusy).
			Detail("connection is closed").
			Build()
	}
	c.mu.Unlock()

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, c.misuse("empty command")
	}

	op := strings.ToUpper(fields[0])
	args := fields[1:]
	switch op {
	case "PING":
		if len(args) != 0 {
			return nil, c.misuse("PING takes no arguments")
		}
		return "PONG", nil

	case "SET":
		if len(args) != 2 {
			return nil, c.misuse("SET takes key and value")
		}
		if err := c.writable(); err != nil {
			return nil, err
		}
		c.store.set(args[0], args[1])
		return "OK", nil

	case "GET":
		if len(args) != 1 {
			return nil, c.misuse("GET takes a key")
		}
		value, ok := c.store.get(args[0])
		if !ok {
			return nil, errors.New(errors.PhaseExec, errors.KindNotFound).
				Detail("key %q not found", args[0]).
				Build()
		}
		return value, nil

	case "DEL":
		if len(args) != 1 {
			return nil, c.misuse("DEL takes a key")
		}
		if err := c.writable(); err != nil {
			return nil, err
		}
		if c.store.del(args[0]) {
			return 1, nil
		}
		return 0, nil

	case "KEYS":
		if len(args) != 0 {
			return nil, c.misuse("KEYS takes no arguments")
		}
		return c.store.keys(), nil

	case "LEN":
		if len(args) != 0 {
			return nil, c.misuse("LEN takes no arguments")
		}
		return c.store.len(), nil

	default:
		return nil, c.misuse("unknown command %q", op)
	}
}

// Close marks the handle closed. Closing twice is a misuse error.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New(errors.PhaseClose, errors.KindCloseFailed).
			Status(StatusMisuse).
			Detail("connection already closed").
			Build()
	}
	c.closed = true
	return nil
}

func (c *Conn) writable() error {
	if c.mode.Has(connruntime.ModeReadOnly) && !c.mode.Has(connruntime.ModeReadWrite) {
		return errors.New(errors.PhaseExec, errors.KindDriver).
			Status(StatusReadOnly).
			Detail("connection is read-only").
			Build()
	}
	return nil
}

func (c *Conn) misuse(format string, args ...any) error {
	return errors.New(errors.PhaseExec, errors.KindInvalidInput).
		Status(StatusMisuse).
		Detail(format, args...).
		Build()
}

// store is the actual key/value map, shared between connections opened on
// the same path.
type store struct {
	mu   sync.RWMutex
	data map[string]string
}

func newStore() *store {
	return &store{data: make(map[string]string)}
}

func (s *store) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (s *store) get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *store) del(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	return true
}

func (s *store) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
