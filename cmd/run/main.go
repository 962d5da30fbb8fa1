package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/term"

	connruntime "github.com/dbhost/conn-runtime"
	"github.com/dbhost/conn-runtime/drivers/memdb"
	"github.com/dbhost/conn-runtime/drivers/sqlbridge"
	"github.com/dbhost/conn-runtime/engine"
	"github.com/dbhost/conn-runtime/runtime"
)

func main() {
	var (
		driverName  = flag.String("driver", "memdb", "Driver to use (memdb, postgres, mysql)")
		path        = flag.String("path", memdb.MemoryPath, "Store path or DSN")
		modeStr     = flag.String("mode", "rwc", "Open mode: ro, rw, or rwc")
		commands    = flag.String("cmd", "", "Commands to run, separated by ';'")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		verbose     = flag.Bool("v", false, "Verbose scheduler logging")
	)
	flag.Parse()

	var log *zap.Logger
	if *verbose {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		engine.SetLogger(log)
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(*driverName, *path, mode, log); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*driverName, *path, mode, *commands, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseMode(s string) (connruntime.Mode, error) {
	switch s {
	case "ro":
		return connruntime.ModeReadOnly, nil
	case "rw":
		return connruntime.ModeReadWrite, nil
	case "rwc":
		return connruntime.ModeDefault, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want ro, rw, or rwc)", s)
	}
}

func newRuntime(log *zap.Logger) (*runtime.Runtime, error) {
	rt := runtime.New(runtime.Config{Logger: log})
	drivers := map[string]connruntime.Driver{
		"memdb":    memdb.New(),
		"postgres": sqlbridge.New(&pq.Driver{}),
		"mysql":    sqlbridge.New(&mysql.MySQLDriver{}),
	}
	for name, drv := range drivers {
		if err := rt.RegisterDriver(name, drv); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// execCommand runs one command line against whichever native handle the
// driver produced.
func execCommand(command string) engine.TaskFunc {
	return func(ctx context.Context, nc connruntime.NativeConn) (any, error) {
		switch h := nc.(type) {
		case *memdb.Conn:
			return h.Exec(ctx, command)
		case *sqlbridge.Conn:
			if isQuery(command) {
				return h.QueryAll(ctx, command)
			}
			res, err := h.Exec(ctx, command)
			if err != nil {
				return nil, err
			}
			if n, err := res.RowsAffected(); err == nil {
				return fmt.Sprintf("%d row(s) affected", n), nil
			}
			return "OK", nil
		default:
			return nil, fmt.Errorf("unsupported handle type %T", nc)
		}
	}
}

func isQuery(command string) bool {
	head := strings.ToUpper(strings.Fields(strings.TrimSpace(command))[0])
	return head == "SELECT" || head == "SHOW" || head == "WITH"
}

func run(driverName, path string, mode connruntime.Mode, commands string, log *zap.Logger) error {
	ctx := context.Background()
	rt, err := newRuntime(log)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	openErr := make(chan error, 1)
	conn, err := rt.Open(ctx, driverName, path, mode,
		runtime.WithOpenCallback(func(err error) { openErr <- err }))
	if err != nil {
		return err
	}
	defer conn.Release()

	if err := <-openErr; err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	fmt.Printf("Connected: %s %s (%s)\n", driverName, path, conn.ID())

	// Commands come from -cmd, or from stdin when it is piped in.
	var lines []string
	for _, c := range strings.Split(commands, ";") {
		if c = strings.TrimSpace(c); c != "" {
			lines = append(lines, c)
		}
	}
	if len(lines) == 0 && !term.IsTerminal(int(os.Stdin.Fd())) {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if c := strings.TrimSpace(scanner.Text()); c != "" {
				lines = append(lines, c)
			}
		}
	}

	for _, command := range lines {
		type outcome struct {
			result any
			err    error
		}
		done := make(chan outcome, 1)
		conn.Submit(false, execCommand(command), func(result any, err error) {
			done <- outcome{result, err}
		})

		out := <-done
		if out.err != nil {
			fmt.Printf("%-30s ERROR %v\n", command, out.err)
			continue
		}
		fmt.Printf("%-30s %v\n", command, out.result)
	}

	closeErr := make(chan error, 1)
	conn.Close(func(err error) { closeErr <- err })
	select {
	case err := <-closeErr:
		if err != nil {
			return fmt.Errorf("close: %w", err)
		}
	case <-time.After(30 * time.Second):
		return fmt.Errorf("close timed out")
	}

	return nil
}
