package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/clustertest/internal/config"
	"github.com/roach88/clustertest/internal/operation"
)

// Local runs external programs on this host and reaches the database nodes
// through database/sql. Drivers must be registered by the caller.
type Local struct {
	cfg    *config.Config
	logger *slog.Logger

	// connectTimeout bounds the retries when a node is not accepting
	// connections yet.
	connectTimeout time.Duration

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// LocalOption configures a Local coordinator.
type LocalOption func(*Local)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithConnectTimeout bounds how long Open retries a node.
func WithConnectTimeout(d time.Duration) LocalOption {
	return func(l *Local) {
		l.connectTimeout = d
	}
}

// NewLocal creates a coordinator backed by cfg.
func NewLocal(cfg *config.Config, opts ...LocalOption) *Local {
	l := &Local{
		cfg:            cfg,
		logger:         slog.Default(),
		connectTimeout: 30 * time.Second,
		dbs:            make(map[string]*sql.DB),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Coordinator = (*Local)(nil)

// Open implements Databases. Connections are cached per alias and retried
// with exponential backoff until the node answers a ping.
func (l *Local) Open(ctx context.Context, alias string) (*sql.DB, error) {
	l.mu.Lock()
	db, ok := l.dbs[alias]
	l.mu.Unlock()
	if ok {
		return db, nil
	}

	desc, err := l.cfg.Database(alias)
	if err != nil {
		return nil, err
	}
	db, err = sql.Open(desc.Driver, desc.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", alias, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = l.connectTimeout
	ping := func() error {
		if err := db.PingContext(ctx); err != nil {
			l.logger.Debug("database not ready", "alias", alias, "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", alias, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.dbs[alias]; ok {
		db.Close()
		return existing, nil
	}
	l.dbs[alias] = db
	return db, nil
}

// Close closes every cached connection.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for alias, db := range l.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = fmt.Errorf("failed to close %s: %w", alias, err)
		}
		delete(l.dbs, alias)
	}
	return first
}

// TopologyScript pipes the expanded script into the configured slonik
// command.
func (l *Local) TopologyScript(label, preamble, body string) operation.Runner {
	return func(ctx context.Context) (int, error) {
		script, err := l.cfg.Expand(preamble + body)
		if err != nil {
			return operation.NotFinishedCode, fmt.Errorf("%s: %w", label, err)
		}
		argv, err := operation.ParseCommandLine(l.cfg.Commands.Slonik)
		if err != nil {
			return operation.NotFinishedCode, err
		}
		l.logger.Info("running slonik", "label", label)
		return operation.Exec(operation.Command{Argv: argv, Stdin: script}, l.logger)(ctx)
	}
}

// Query executes sql on alias. A failed statement exits with 1.
func (l *Local) Query(alias, query string) operation.Runner {
	return func(ctx context.Context) (int, error) {
		db, err := l.Open(ctx, alias)
		if err != nil {
			return operation.NotFinishedCode, err
		}
		if _, err := db.ExecContext(ctx, query); err != nil {
			l.logger.Warn("query failed", "alias", alias, "error", err)
			return 1, nil
		}
		return 0, nil
	}
}

// ClientProgram writes program to a temporary file and runs the configured
// client command on it. The target database is passed in the environment.
func (l *Local) ClientProgram(program, alias string) operation.Runner {
	return func(ctx context.Context) (int, error) {
		desc, err := l.cfg.Database(alias)
		if err != nil {
			return operation.NotFinishedCode, err
		}
		if l.cfg.Commands.Client == "" {
			return operation.NotFinishedCode, fmt.Errorf("no client command configured")
		}

		f, err := os.CreateTemp("", "clustertest-client-*.js")
		if err != nil {
			return operation.NotFinishedCode, fmt.Errorf("failed to create client program file: %w", err)
		}
		defer os.Remove(f.Name())
		if _, err := f.WriteString(program); err != nil {
			f.Close()
			return operation.NotFinishedCode, fmt.Errorf("failed to write client program: %w", err)
		}
		if err := f.Close(); err != nil {
			return operation.NotFinishedCode, fmt.Errorf("failed to write client program: %w", err)
		}

		argv, err := operation.ParseCommandLine(l.cfg.Commands.Client, f.Name())
		if err != nil {
			return operation.NotFinishedCode, err
		}
		return operation.Exec(operation.Command{
			Argv: argv,
			Env: []string{
				"CLUSTERTEST_ALIAS=" + alias,
				"CLUSTERTEST_DRIVER=" + desc.Driver,
				"CLUSTERTEST_DSN=" + desc.ConnString(),
			},
		}, l.logger)(ctx)
	}
}

// CreateDatabase runs the configured createdb command for alias.
func (l *Local) CreateDatabase(alias string) operation.Runner {
	return l.dbCommand(l.cfg.Commands.CreateDB, alias)
}

// DropDatabase runs the configured dropdb command for alias.
func (l *Local) DropDatabase(alias string) operation.Runner {
	return l.dbCommand(l.cfg.Commands.DropDB, alias)
}

func (l *Local) dbCommand(line, alias string) operation.Runner {
	return func(ctx context.Context) (int, error) {
		desc, err := l.cfg.Database(alias)
		if err != nil {
			return operation.NotFinishedCode, err
		}
		var extra []string
		if desc.Host != "" {
			extra = append(extra, "-h", desc.Host)
		}
		if desc.Port != "" {
			extra = append(extra, "-p", desc.Port)
		}
		if desc.User != "" {
			extra = append(extra, "-U", desc.User)
		}
		extra = append(extra, desc.DBName)
		argv, err := operation.ParseCommandLine(line, extra...)
		if err != nil {
			return operation.NotFinishedCode, err
		}
		var env []string
		if desc.Password != "" {
			env = append(env, "PGPASSWORD="+desc.Password)
		}
		return operation.Exec(operation.Command{Argv: argv, Env: env}, l.logger)(ctx)
	}
}

// Compare implements Coordinator.
func (l *Local) Compare(lhs, rhs, query, orderBy string) operation.Runner {
	return func(ctx context.Context) (int, error) {
		left, err := l.Open(ctx, lhs)
		if err != nil {
			return operation.NotFinishedCode, err
		}
		right, err := l.Open(ctx, rhs)
		if err != nil {
			return operation.NotFinishedCode, err
		}
		diff, err := CompareDatabases(ctx, left, right, query, orderBy)
		if err != nil {
			return operation.NotFinishedCode, err
		}
		if diff != "" {
			l.logger.Warn("databases differ", "lhs", lhs, "rhs", rhs, "query", query, "diff", diff)
			return CompareDiffer, nil
		}
		return CompareEqual, nil
	}
}

// ReadFile reads path relative to the configured scenario directory.
func (l *Local) ReadFile(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.cfg.ScenarioDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}
