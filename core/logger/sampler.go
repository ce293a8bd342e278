package logger

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// sampler lets through n of every d calls. A zero ratio lets everything through.
type sampler struct {
	n, d atomic.Int64
	seq  atomic.Uint64
}

func newSampler(n, d int) *sampler {
	s := &sampler{}
	s.Set(n, d)
	return s
}

func (s *sampler) Set(n, d int) {
	if n <= 0 || d <= 0 {
		n, d = 0, 0
	}
	n = min(n, d)
	s.n.Store(int64(n))
	s.d.Store(int64(d))
	s.seq.Store(0)
}

func (s *sampler) Allow() bool {
	n, d := s.n.Load(), s.d.Load()
	if d == 0 {
		return true
	}
	pos := (s.seq.Add(1) - 1) % uint64(d)
	return pos < uint64(n)
}

// parseRatio reads "n/d" or "d" (meaning 1/d). Anything else, or a
// non-positive d, yields 0/0.
func parseRatio(spec string) (int, int) {
	spec = strings.TrimSpace(spec)
	if num, den, ok := strings.Cut(spec, "/"); ok {
		n, err1 := strconv.Atoi(strings.TrimSpace(num))
		d, err2 := strconv.Atoi(strings.TrimSpace(den))
		if err1 == nil && err2 == nil {
			return n, d
		}
		return 0, 0
	}
	if d, err := strconv.Atoi(spec); err == nil && d > 0 {
		return 1, d
	}
	return 0, 0
}
