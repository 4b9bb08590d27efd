//go:build linux

package node

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// readCPUTicks parses the per-core counter lines of /proc/stat.
func readCPUTicks() ([]cpuTicks, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ticks []cpuTicks
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		// Per-core lines are "cpuN user nice system idle ...";
		// the aggregate "cpu " line is skipped.
		if !strings.HasPrefix(line, "cpu") || strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		user, err1 := strconv.ParseUint(fields[1], 10, 64)
		sys, err2 := strconv.ParseUint(fields[3], 10, 64)
		idle, err3 := strconv.ParseUint(fields[4], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		ticks = append(ticks, cpuTicks{user: user, sys: sys, idle: idle})
	}
	return ticks, scanner.Err()
}
