package node

import "sync"

// cpuTicks holds the cumulative busy/idle counters of one core.
type cpuTicks struct {
	user uint64
	sys  uint64
	idle uint64
}

// LoadSampler derives per-core utilization from successive counter
// readings. The baseline is captured at construction, so the first sample
// after process start reports the lifetime average.
type LoadSampler struct {
	mu   sync.Mutex
	prev []cpuTicks
}

// NewLoadSampler captures the process-start baseline.
func NewLoadSampler() *LoadSampler {
	s := &LoadSampler{}
	s.prev, _ = readCPUTicks()
	return s
}

// Sample returns per-core utilization in [0,1] relative to the previous
// call. Platforms without counter support report an empty vector.
func (s *LoadSampler) Sample() []float64 {
	cur, err := readCPUTicks()
	if err != nil || len(cur) == 0 {
		return []float64{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.prev
	s.prev = cur

	if len(prev) != len(cur) {
		return make([]float64, len(cur))
	}

	usage := make([]float64, len(cur))
	for i := range cur {
		userDelta := cur[i].user - prev[i].user
		sysDelta := cur[i].sys - prev[i].sys
		idleDelta := cur[i].idle - prev[i].idle
		total := userDelta + sysDelta + idleDelta
		if total == 0 {
			continue
		}
		usage[i] = 1 - float64(idleDelta)/float64(total)
	}
	return usage
}
