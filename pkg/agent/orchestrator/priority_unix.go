//go:build !windows

package orchestrator

import "syscall"

// applyPriority nices the current process for low-priority background
// turns. Best-effort: raising priority back needs privileges we may
// not have, so failures are silent.
func applyPriority(priority string) {
	var nice int
	switch priority {
	case "low":
		nice = 10
	case "high":
		nice = -5
	default:
		return
	}
	_ = syscall.Setpriority(syscall.PRIO_PROCESS, 0, nice)
}
