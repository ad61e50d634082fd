package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	t.Parallel()

	a := make(chan int, 2)
	b := make(chan int, 1)
	a <- 1
	a <- 2
	b <- 3
	close(a)
	close(b)

	sum := 0
	count := 0
	for v := range Merge[int](a, b) {
		sum += v
		count++
	}
	require.Equal(t, 3, count)
	require.Equal(t, 6, sum)
}

func TestMergeNoChannels(t *testing.T) {
	t.Parallel()

	_, ok := <-Merge[string]()
	require.False(t, ok)
}
