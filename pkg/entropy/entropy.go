// Package entropy estimates how much information the blocks of a device
// image carry. The CLI uses it to skip all-zero blocks on import and to
// report how compressible an export is.
package entropy

import (
	"io"
	"math"
)

// Estimator accumulates byte frequencies and reports the Shannon entropy,
// in bits per byte, of everything written so far.
type Estimator interface {
	io.Writer
	Value() float64
	Reset()
}

type shannon struct {
	counts [256]uint64
	total  uint64
}

func NewEstimator() Estimator {
	return &shannon{}
}

func (s *shannon) Reset() {
	clear(s.counts[:])
	s.total = 0
}

func (s *shannon) Write(data []byte) (int, error) {
	for _, b := range data {
		s.counts[b]++
	}

	s.total += uint64(len(data))

	return len(data), nil
}

// H = -Σ p(x) log2 p(x)
func (s *shannon) Value() float64 {
	if s.total == 0 {
		return 0
	}

	var h float64
	for _, c := range s.counts {
		if c == 0 {
			continue
		}

		p := float64(c) / float64(s.total)
		h -= p * math.Log2(p)
	}

	return h
}

type Class int

const (
	Zero Class = iota
	Low
	High
)

// HighThreshold is the entropy, in bits per byte, above which a block is
// unlikely to compress.
const HighThreshold = 6.0

func (c Class) String() string {
	switch c {
	case Zero:
		return "zero"
	case Low:
		return "low"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// IsZero reports whether every byte of b is zero.
func IsZero(b []byte) bool {
	for len(b) >= 8 {
		if b[0]|b[1]|b[2]|b[3]|b[4]|b[5]|b[6]|b[7] != 0 {
			return false
		}
		b = b[8:]
	}

	for _, x := range b {
		if x != 0 {
			return false
		}
	}

	return true
}

// Summary classifies blocks as they are added.
type Summary struct {
	Blocks int
	Counts [3]int

	est Estimator
	sum float64
}

func NewSummary() *Summary {
	return &Summary{est: NewEstimator()}
}

// Add classifies block and folds it into the summary.
func (s *Summary) Add(block []byte) Class {
	s.Blocks++

	if IsZero(block) {
		s.Counts[Zero]++
		return Zero
	}

	s.est.Reset()
	s.est.Write(block)

	v := s.est.Value()
	s.sum += v

	cls := Low
	if v >= HighThreshold {
		cls = High
	}

	s.Counts[cls]++

	return cls
}

// Mean is the average entropy of the non-zero blocks.
func (s *Summary) Mean() float64 {
	n := s.Blocks - s.Counts[Zero]
	if n == 0 {
		return 0
	}

	return s.sum / float64(n)
}
