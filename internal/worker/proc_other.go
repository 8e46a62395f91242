//go:build !linux

package worker

func processMemory() (memUsage, bool) { return memUsage{}, false }
