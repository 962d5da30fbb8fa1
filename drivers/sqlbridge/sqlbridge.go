// Package sqlbridge adapts any database/sql/driver implementation to the
// connruntime Driver interface, preserving the one-connection discipline:
// each opened Conn wraps exactly one driver connection, and the scheduler
// above it guarantees that connection is never used concurrently.
//
// This is how SQL backends (lib/pq, go-sql-driver/mysql) plug into the
// runtime without going through database/sql's own pool, which would
// defeat the point of scheduling a single exclusive handle.
package sqlbridge

import (
	"context"
	"database/sql/driver"
	"io"

	connruntime "github.com/dbhost/conn-runtime"
	"github.com/dbhost/conn-runtime/errors"
)

// DSNFunc rewrites an open path and mode into the driver-specific data
// source name.
type DSNFunc func(path string, mode connruntime.Mode) string

// Driver wraps a database/sql/driver.Driver.
type Driver struct {
	inner driver.Driver
	dsn   DSNFunc
}

// New wraps inner, using the open path as the DSN unchanged.
func New(inner driver.Driver) *Driver {
	return &Driver{inner: inner}
}

// NewWithDSN wraps inner with a custom path-to-DSN rewrite.
func NewWithDSN(inner driver.Driver, dsn DSNFunc) *Driver {
	return &Driver{inner: inner, dsn: dsn}
}

// Open dials one driver connection.
func (d *Driver) Open(ctx context.Context, path string, mode connruntime.Mode) (connruntime.NativeConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Driver(errors.PhaseOpen, err)
	}

	name := path
	if d.dsn != nil {
		name = d.dsn(path, mode)
	}

	var (
		conn driver.Conn
		err  error
	)
	if cc, ok := d.inner.(driver.DriverContext); ok {
		var connector driver.Connector
		connector, err = cc.OpenConnector(name)
		if err == nil {
			conn, err = connector.Connect(ctx)
		}
	} else {
		conn, err = d.inner.Open(name)
	}
	if err != nil {
		return nil, errors.Driver(errors.PhaseOpen, err)
	}
	return &Conn{inner: conn}, nil
}

// Conn wraps one SQL driver connection. Like any NativeConn it is not
// safe for concurrent use; the scheduler serializes access.
type Conn struct {
	inner driver.Conn
}

// Raw returns the wrapped driver connection.
func (c *Conn) Raw() driver.Conn {
	return c.inner
}

// Exec runs a statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, query string, args ...driver.Value) (driver.Result, error) {
	if ec, ok := c.inner.(driver.ExecerContext); ok {
		res, err := ec.ExecContext(ctx, query, namedValues(args))
		return res, wrapExec(err)
	}
	if e, ok := c.inner.(driver.Execer); ok {
		res, err := e.Exec(query, args)
		return res, wrapExec(err)
	}

	stmt, err := c.inner.Prepare(query)
	if err != nil {
		return nil, wrapExec(err)
	}
	defer stmt.Close()
	res, err := stmt.Exec(args)
	return res, wrapExec(err)
}

// Query runs a statement and returns its rows. The caller must close the
// rows before the operation body returns.
func (c *Conn) Query(ctx context.Context, query string, args ...driver.Value) (driver.Rows, error) {
	if qc, ok := c.inner.(driver.QueryerContext); ok {
		rows, err := qc.QueryContext(ctx, query, namedValues(args))
		return rows, wrapExec(err)
	}
	if q, ok := c.inner.(driver.Queryer); ok {
		rows, err := q.Query(query, args)
		return rows, wrapExec(err)
	}

	stmt, err := c.inner.Prepare(query)
	if err != nil {
		return nil, wrapExec(err)
	}
	defer stmt.Close()
	rows, err := stmt.Query(args)
	return rows, wrapExec(err)
}

// QueryAll runs a query and drains every row into value slices, closing
// the rows before it returns. Convenient for operation bodies that want
// plain data out.
func (c *Conn) QueryAll(ctx context.Context, query string, args ...driver.Value) ([][]driver.Value, error) {
	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	width := len(rows.Columns())
	var out [][]driver.Value
	for {
		row := make([]driver.Value, width)
		if err := rows.Next(row); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, wrapExec(err)
		}
		out = append(out, row)
	}
}

// Close closes the wrapped driver connection.
func (c *Conn) Close() error {
	if err := c.inner.Close(); err != nil {
		return errors.Driver(errors.PhaseClose, err)
	}
	return nil
}

func namedValues(args []driver.Value) []driver.NamedValue {
	nvs := make([]driver.NamedValue, len(args))
	for i, a := range args {
		nvs[i] = driver.NamedValue{Ordinal: i + 1, Value: a}
	}
	return nvs
}

func wrapExec(err error) error {
	if err == nil {
		return nil
	}
	return errors.Driver(errors.PhaseExec, err)
}
