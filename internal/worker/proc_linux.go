//go:build linux

package worker

import (
	"bytes"
	"os"
	"strconv"
)

// processMemory reads resident and shared (file-backed) memory from
// /proc/self/statm. ok is false when it cannot be read.
func processMemory() (mem memUsage, ok bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return memUsage{}, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 3 {
		return memUsage{}, false
	}
	page := uint64(os.Getpagesize())
	pages := make([]uint64, 2)
	for i, f := range fields[1:3] {
		n, err := strconv.ParseUint(string(f), 10, 64)
		if err != nil {
			return memUsage{}, false
		}
		pages[i] = n
	}
	return memUsage{RSS: pages[0] * page, Shared: pages[1] * page}, true
}
