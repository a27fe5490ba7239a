package entropy

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/require"
)

func randomBlock(t *testing.T) []byte {
	data := make([]byte, 4096)

	_, err := io.ReadFull(rand.Reader, data)
	require.NoError(t, err)

	return data
}

func TestEntropy(t *testing.T) {
	t.Run("nothing written is zero", func(t *testing.T) {
		r := require.New(t)

		r.Equal(0.0, NewEstimator().Value())
	})

	t.Run("empty blocks are low", func(t *testing.T) {
		r := require.New(t)

		e := NewEstimator()
		e.Write(make([]byte, 4096))

		r.Equal(0.0, e.Value())
	})

	t.Run("random blocks are high", func(t *testing.T) {
		r := require.New(t)

		e := NewEstimator()
		e.Write(randomBlock(t))

		r.Greater(e.Value(), HighThreshold)
	})

	t.Run("two symbols is one bit", func(t *testing.T) {
		r := require.New(t)

		e := NewEstimator()

		data := make([]byte, 4096)
		for i := range data {
			data[i] = byte(i) % 2
		}

		e.Write(data)

		r.InDelta(1.0, e.Value(), 0.0001)
	})

	t.Run("reset forgets", func(t *testing.T) {
		r := require.New(t)

		e := NewEstimator()
		e.Write(randomBlock(t))
		e.Reset()
		e.Write(make([]byte, 100))

		r.Equal(0.0, e.Value())
	})

	t.Run("high blocks do not compress", func(t *testing.T) {
		r := require.New(t)

		data := randomBlock(t)
		dest := make([]byte, lz4.CompressBlockBound(len(data)))

		n, err := lz4.CompressBlock(data, dest, nil)
		r.NoError(err)

		r.GreaterOrEqual(n, len(data))
	})
}

func TestSummary(t *testing.T) {
	t.Run("detects zero blocks", func(t *testing.T) {
		r := require.New(t)

		r.True(IsZero(make([]byte, 4099)))
		r.True(IsZero(nil))

		b := make([]byte, 4099)
		b[4098] = 1
		r.False(IsZero(b))

		b[4098] = 0
		b[3] = 1
		r.False(IsZero(b))
	})

	t.Run("classifies blocks", func(t *testing.T) {
		r := require.New(t)

		s := NewSummary()

		r.Equal(Zero, s.Add(make([]byte, 4096)))

		sparse := make([]byte, 4096)
		copy(sparse, "hello")
		r.Equal(Low, s.Add(sparse))

		r.Equal(High, s.Add(randomBlock(t)))

		r.Equal(3, s.Blocks)
		r.Equal([3]int{1, 1, 1}, s.Counts)
		r.Greater(s.Mean(), 0.0)
	})

	t.Run("mean of only zero blocks", func(t *testing.T) {
		r := require.New(t)

		s := NewSummary()
		s.Add(make([]byte, 512))

		r.Equal(0.0, s.Mean())
		r.Equal("zero", Zero.String())
	})
}

func BenchmarkEntropy(b *testing.B) {
	e := NewEstimator()

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}

	for i := 0; i < b.N; i++ {
		e.Write(data)
	}
}
