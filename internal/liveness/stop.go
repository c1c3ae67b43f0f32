package liveness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultStopTimeout bounds how long Stop waits for one process.
const DefaultStopTimeout = 30 * time.Second

const stopPoll = 200 * time.Millisecond

// StopResult is the outcome of stopping one run.
type StopResult struct {
	PID     int
	Stopped bool
	Err     error
}

// Stop sends SIGTERM to the given runs (every live run when pids is empty)
// and waits up to timeout for each process to exit. The directory of every
// stopped run is removed. Pids that are not live runs are ignored.
func Stop(ctx context.Context, root string, pids []int, timeout time.Duration) ([]StopResult, error) {
	runs, err := List(root)
	if err != nil {
		return nil, err
	}
	live := make(map[int]bool, len(runs))
	for _, r := range runs {
		live[r.PID] = true
	}
	if len(pids) == 0 {
		for _, r := range runs {
			pids = append(pids, r.PID)
		}
	}

	var results []StopResult
	var waiting []int
	for _, pid := range pids {
		if !live[pid] {
			continue
		}
		err := unix.Kill(pid, unix.SIGTERM)
		switch {
		case errors.Is(err, unix.EPERM):
			results = append(results, StopResult{PID: pid, Err: fmt.Errorf("permission denied, pid %d", pid)})
			continue
		case err != nil && !errors.Is(err, unix.ESRCH):
			results = append(results, StopResult{PID: pid, Err: err})
			continue
		}
		waiting = append(waiting, pid)
	}

	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	deadline := time.Now().Add(timeout)
	for _, pid := range waiting {
		res := StopResult{PID: pid}
		for Alive(pid) && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
			case <-time.After(stopPoll):
			}
			if res.Err != nil {
				break
			}
		}
		if res.Err == nil {
			if Alive(pid) {
				res.Err = fmt.Errorf("process %d still running after %s", pid, timeout)
			} else {
				res.Stopped = true
				ForParent(root, pid).Remove()
			}
		}
		results = append(results, res)
	}
	return results, nil
}
