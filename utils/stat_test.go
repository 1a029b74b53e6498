package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatAppendConcurrent(t *testing.T) {
	st := NewStat()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				st.Append(&Info{Status: "APPROVED", Latency: time.Millisecond})
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.Len(t, st.infos, 800)
}

func TestNextRequestIDUnique(t *testing.T) {
	a := NextRequestID()
	b := NextRequestID()
	require.NotEqual(t, a, b)
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.Equal(t, time.Duration(5), percentile(sorted, 0.5))
	require.Equal(t, time.Duration(10), percentile(sorted, 1.0))
}
