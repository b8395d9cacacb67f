//go:build windows

package orchestrator

func applyPriority(string) {}
