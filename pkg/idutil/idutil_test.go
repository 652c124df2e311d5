package idutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextStrictlyIncreasing(t *testing.T) {
	g := NewGenerator(0x12, time.Now())

	last := g.Next()
	for i := 0; i < 1000; i++ {
		id := g.Next()
		require.Greater(t, id, last)
		last = id
	}
}

func TestNextPrefix(t *testing.T) {
	g := NewGenerator(0x12, time.Now())
	id := g.Next()
	require.Equal(t, uint64(0x12), id>>(8*6))
}

func TestNextUniqueAcrossGenerators(t *testing.T) {
	now := time.Now()
	g1 := NewGenerator(1, now)
	g2 := NewGenerator(2, now)
	require.NotEqual(t, g1.Next(), g2.Next())
}
