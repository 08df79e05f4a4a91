package havoc

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"havoc/history"
)

// A Test describes one run of a system under fault injection: the cluster
// nodes, how many concurrent client threads to drive, how many nemesis
// threads to reserve, and the collaborators that perform real work.
//
// The Test itself is passive data. It is threaded through every generator and
// collaborator call so that they can consult the run parameters.
type Test struct {
	// Name of the test, used for logging.
	Name string

	// Nodes in the cluster under test. Client processes are bound to nodes
	// round-robin by process number.
	Nodes []string

	// Concurrency is the number of logical client threads.
	Concurrency int

	// NemesisThreads is the number of reserved nemesis threads. Leave zero
	// for tests without fault injection.
	NemesisThreads int

	// Seed for the random source handed to randomized generators. Two runs
	// with the same seed, the same generator tree and deterministic
	// collaborators schedule identically.
	Seed int64

	// TimeLimit bounds the virtual duration of the run. Once the clock
	// passes it the generator stops producing invocations and the run
	// drains. Zero means unlimited.
	TimeLimit time.Duration

	// Log receives scheduling and lifecycle messages. Defaults to the
	// logrus standard logger.
	Log *logrus.Logger

	Client  Client
	Nemesis Nemesis
	Checker Checker
}

// Logger returns the test's logger, falling back to the logrus standard
// logger so that collaborators never have to nil-check.
func (t *Test) Logger() *logrus.Logger {
	if t.Log != nil {
		return t.Log
	}
	return logrus.StandardLogger()
}

// A Client executes operations against a single node of the system under
// test. One client instance is bound to each logical thread; after an
// indeterminate completion the interpreter closes it and opens a fresh
// instance for the successor process.
//
// Open must return a new independent instance: the receiver acts as a
// prototype and is itself never used to invoke operations. Invoke performs
// one operation and returns the corresponding completion. It must not retry
// silently, and it must convert its own timeouts into a completion rather
// than hang. An error or panic from Invoke is recorded as an indeterminate
// completion, not a test failure.
type Client interface {
	Open(ctx context.Context, node string) (Client, error)
	Setup(ctx context.Context, t *Test) error
	Invoke(ctx context.Context, t *Test, op history.Op) (history.Op, error)
	Teardown(ctx context.Context, t *Test) error
	Close(ctx context.Context, t *Test) error
}

// A Nemesis injects faults into the cluster. It receives the same operation
// shape as clients, dispatched on the reserved nemesis threads, and is a
// single long-lived controller: its process identity never rotates.
type Nemesis interface {
	Setup(ctx context.Context, t *Test) error
	Invoke(ctx context.Context, t *Test, op history.Op) (history.Op, error)
	Teardown(ctx context.Context, t *Test) error
}

// CheckResult is the verdict of a Checker over a finished history.
type CheckResult struct {
	Valid bool
	// Details carries checker-specific findings for reporting.
	Details map[string]any
}

// A Checker consumes the finished history and decides whether the observed
// behavior was acceptable. Checkers are collaborators of the harness, not of
// the scheduling core; implementations live with the tests that use them.
type Checker interface {
	Check(t *Test, h *history.History) (CheckResult, error)
}
