package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	"github.com/roach88/clustertest/internal/coordinator"
	"github.com/roach88/clustertest/internal/operation"
)

// Method names recorded by FakeCoordinator.
const (
	MethodSlonik   = "slonik"
	MethodQuery    = "query"
	MethodClient   = "client"
	MethodCreateDB = "createdb"
	MethodDropDB   = "dropdb"
	MethodCompare  = "compare"
)

// Call is one runner execution observed by FakeCoordinator.
type Call struct {
	Method   string
	Label    string
	Alias    string
	Preamble string
	Body     string
}

// Key returns the most specific result key for the call, e.g.
// "slonik:create set 2" or "query:db1".
func (c Call) Key() string {
	switch c.Method {
	case MethodSlonik:
		return c.Method + ":" + c.Label
	case MethodCompare:
		return c.Method + ":" + c.Label
	default:
		return c.Method + ":" + c.Alias
	}
}

// FakeCoordinator is a scripted coordinator.Coordinator. Every runner exits
// 0 unless a result was set for its key or method. Calls are recorded when a
// runner actually runs, not when it is built.
type FakeCoordinator struct {
	mu      sync.Mutex
	calls   []Call
	results map[string]int
	gates   map[string]chan struct{}
	files   map[string]string
	dbs     map[string]*sql.DB
}

// NewFakeCoordinator creates a coordinator where everything succeeds.
func NewFakeCoordinator() *FakeCoordinator {
	return &FakeCoordinator{
		results: make(map[string]int),
		gates:   make(map[string]chan struct{}),
		files:   make(map[string]string),
		dbs:     make(map[string]*sql.DB),
	}
}

var _ coordinator.Coordinator = (*FakeCoordinator)(nil)

// SetResult sets the exit code for a key ("slonik:sync") or a whole method
// ("createdb").
func (f *FakeCoordinator) SetResult(key string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[key] = code
}

// Gate makes runners for key block until the returned function is called
// or their context is cancelled.
func (f *FakeCoordinator) Gate(key string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[key] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// SetFile registers a file for ReadFile.
func (f *FakeCoordinator) SetFile(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
}

// SetDB registers the database Open returns for alias.
func (f *FakeCoordinator) SetDB(alias string, db *sql.DB) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dbs[alias] = db
}

// Calls returns every recorded call in execution order.
func (f *FakeCoordinator) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded calls of one method.
func (f *FakeCoordinator) CallsTo(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeCoordinator) runner(call Call) operation.Runner {
	return func(ctx context.Context) (int, error) {
		f.mu.Lock()
		f.calls = append(f.calls, call)
		gate := f.gates[call.Key()]
		if gate == nil {
			gate = f.gates[call.Method]
		}
		code, ok := f.results[call.Key()]
		if !ok {
			code = f.results[call.Method]
		}
		f.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return operation.NotFinishedCode, ctx.Err()
			}
		}
		return code, nil
	}
}

// Open implements coordinator.Databases.
func (f *FakeCoordinator) Open(_ context.Context, alias string) (*sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	db, ok := f.dbs[alias]
	if !ok {
		return nil, fmt.Errorf("no database for %s", alias)
	}
	return db, nil
}

func (f *FakeCoordinator) TopologyScript(label, preamble, body string) operation.Runner {
	return f.runner(Call{Method: MethodSlonik, Label: label, Preamble: preamble, Body: body})
}

func (f *FakeCoordinator) Query(alias, sql string) operation.Runner {
	return f.runner(Call{Method: MethodQuery, Alias: alias, Body: sql})
}

func (f *FakeCoordinator) ClientProgram(program, alias string) operation.Runner {
	return f.runner(Call{Method: MethodClient, Alias: alias, Body: program})
}

func (f *FakeCoordinator) CreateDatabase(alias string) operation.Runner {
	return f.runner(Call{Method: MethodCreateDB, Alias: alias})
}

func (f *FakeCoordinator) DropDatabase(alias string) operation.Runner {
	return f.runner(Call{Method: MethodDropDB, Alias: alias})
}

func (f *FakeCoordinator) Compare(lhs, rhs, query, orderBy string) operation.Runner {
	return f.runner(Call{Method: MethodCompare, Label: lhs + ":" + rhs, Alias: lhs, Body: query + " /" + orderBy})
}

// ReadFile returns a registered file, or a placeholder naming the path so
// scripts stay recognisable in recorded calls.
func (f *FakeCoordinator) ReadFile(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if content, ok := f.files[path]; ok {
		return content, nil
	}
	if _, missing := f.files["!"+path]; missing {
		return "", fmt.Errorf("read %s: %w", path, os.ErrNotExist)
	}
	return "-- " + path + "\n", nil
}

// FailRead makes ReadFile fail for path.
func (f *FakeCoordinator) FailRead(path string) {
	f.SetFile("!"+path, "")
}
