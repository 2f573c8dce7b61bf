// Package scenario runs timed fault-injection scripts against a
// cluster: start and crash servers, split and heal the network, issue
// client operations, and check what the cluster answers. Scripts can
// be built programmatically or loaded from YAML.
package scenario

import (
	"fmt"
	"sort"
	"time"

	"github.com/raftbed/raftbed/internal/clock"
	"github.com/raftbed/raftbed/internal/cluster"
	"github.com/raftbed/raftbed/internal/kvclient"
)

// Runtime is the execution context handed to actions: the cluster
// under test and a default session connected to every server.
type Runtime struct {
	Cluster *cluster.Cluster
	Clerk   *kvclient.Clerk
}

// TimedAction is one script step, executed when the script clock
// reaches At (an offset from script start).
type TimedAction struct {
	At   time.Duration
	Name string
	Fn   func(rt *Runtime) error
}

// Script is a list of timed actions executed in At order; actions with
// equal At run in insertion order.
type Script struct {
	Actions []TimedAction
}

// Run executes the script. The clock abstracts waiting so unit tests
// can run scripts on simulated time.
func (s Script) Run(rt *Runtime, clk clock.Clock) error {
	actions := append([]TimedAction(nil), s.Actions...)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].At < actions[j].At })

	var now time.Duration
	for _, a := range actions {
		if a.At > now {
			clk.Sleep(a.At - now)
			now = a.At
		}
		if a.Fn == nil {
			continue
		}
		if err := a.Fn(rt); err != nil {
			if a.Name != "" {
				return fmt.Errorf("step %q at %s: %w", a.Name, a.At, err)
			}
			return fmt.Errorf("step at %s: %w", a.At, err)
		}
	}
	return nil
}

// Builders for common actions.

// StartServer starts slot i and connects it to everyone.
func StartServer(i int) Builder {
	return func(at time.Duration) TimedAction {
		return TimedAction{At: at, Name: "start", Fn: func(rt *Runtime) error {
			rt.Cluster.StartServer(i)
			rt.Cluster.Connect(i, rt.Cluster.All())
			return nil
		}}
	}
}

// ShutdownServer crashes slot i.
func ShutdownServer(i int) Builder {
	return func(at time.Duration) TimedAction {
		return TimedAction{At: at, Name: "shutdown", Fn: func(rt *Runtime) error {
			rt.Cluster.ShutdownServer(i)
			return nil
		}}
	}
}

// RestartServer crashes slot i and brings a successor up, connected to
// everyone.
func RestartServer(i int) Builder {
	return func(at time.Duration) TimedAction {
		return TimedAction{At: at, Name: "restart", Fn: func(rt *Runtime) error {
			rt.Cluster.RestartServer(i)
			rt.Cluster.Connect(i, rt.Cluster.All())
			return nil
		}}
	}
}

// Split partitions the cluster with the current leader in the
// minority.
func Split() Builder {
	return func(at time.Duration) TimedAction {
		return TimedAction{At: at, Name: "split", Fn: func(rt *Runtime) error {
			p1, p2 := rt.Cluster.MakePartition()
			rt.Cluster.Partition(p1, p2)
			return nil
		}}
	}
}

// Heal reconnects everything.
func Heal() Builder {
	return func(at time.Duration) TimedAction {
		return TimedAction{At: at, Name: "heal", Fn: func(rt *Runtime) error {
			rt.Cluster.ConnectAll()
			return nil
		}}
	}
}

// Unreliable toggles message delay/drop simulation.
func Unreliable(yes bool) Builder {
	return func(at time.Duration) TimedAction {
		return TimedAction{At: at, Name: "unreliable", Fn: func(rt *Runtime) error {
			rt.Cluster.SetUnreliable(yes)
			return nil
		}}
	}
}

// Put writes key=value through the default session.
func Put(key, value string) Builder {
	return func(at time.Duration) TimedAction {
		return TimedAction{At: at, Name: "put", Fn: func(rt *Runtime) error {
			rt.Clerk.Put(key, value)
			rt.Cluster.Op()
			return nil
		}}
	}
}

// Append appends value to key through the default session.
func Append(key, value string) Builder {
	return func(at time.Duration) TimedAction {
		return TimedAction{At: at, Name: "append", Fn: func(rt *Runtime) error {
			rt.Clerk.Append(key, value)
			rt.Cluster.Op()
			return nil
		}}
	}
}

// Check reads key and fails the script unless it matches want.
func Check(key, want string) Builder {
	return func(at time.Duration) TimedAction {
		return TimedAction{At: at, Name: "check", Fn: func(rt *Runtime) error {
			got := rt.Clerk.Get(key)
			rt.Cluster.Op()
			if got != want {
				return fmt.Errorf("key %q: got %q, want %q", key, got, want)
			}
			return nil
		}}
	}
}

// ExpectLeader fails the script if no server claims leadership.
func ExpectLeader() Builder {
	return func(at time.Duration) TimedAction {
		return TimedAction{At: at, Name: "expect-leader", Fn: func(rt *Runtime) error {
			_, err := rt.Cluster.Leader()
			return err
		}}
	}
}

// Builder produces a timed action bound to an At offset when invoked.
type Builder func(at time.Duration) TimedAction
