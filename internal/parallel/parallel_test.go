package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRange_CoversEveryIndexOnce(t *testing.T) {
	configs := map[string]Config{
		"default":    DefaultConfig(),
		"sequential": Sequential(),
		"forced":     {Enabled: true, NumWorkers: 7, MinChunkSize: 1},
	}

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			n := 1000
			hits := make([]int32, n)
			Range(n, func(start, end int) {
				for i := start; i < end; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
			}, cfg)

			for i, h := range hits {
				assert.Equal(t, int32(1), h, "index %d", i)
			}
		})
	}
}

func TestRange_Empty(t *testing.T) {
	called := false
	Range(0, func(int, int) { called = true }, DefaultConfig())
	assert.False(t, called)
}

func TestRange_SmallInputRunsInline(t *testing.T) {
	var calls int32
	Range(10, func(start, end int) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, 0, start)
		assert.Equal(t, 10, end)
	}, Config{Enabled: true, NumWorkers: 4, MinChunkSize: 32})
	assert.Equal(t, int32(1), calls)
}

func TestPlanes(t *testing.T) {
	channels, height := 3, 50
	seen := make([][]bool, channels)
	for c := range seen {
		seen[c] = make([]bool, height)
	}

	Planes(channels, height, func(c, y int) {
		seen[c][y] = true
	}, Config{Enabled: true, NumWorkers: 4, MinChunkSize: 8})

	for c := range seen {
		for y := range seen[c] {
			assert.True(t, seen[c][y], "missing [%d][%d]", c, y)
		}
	}
}
