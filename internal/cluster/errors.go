package cluster

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoLeader is returned by Leader when no live server claims
// leadership. It is expected transiently during elections and after
// partitions; callers poll.
var ErrNoLeader = errors.New("cluster: no leader found")

// BudgetExceededError is the value a Cluster panics with when the
// wall-clock test budget has been exceeded. It is deliberately not
// returned: a test that overran its budget has already failed, and
// every exit path (End, Cleanup) must surface it even if the test
// logic ignores return values.
type BudgetExceededError struct {
	Elapsed time.Duration
	Budget  time.Duration
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("cluster: test took %.1fs, budget is %.0fs",
		e.Elapsed.Seconds(), e.Budget.Seconds())
}
