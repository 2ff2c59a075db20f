// SPDX-License-Identifier: MIT

package camera

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticSource_Run(t *testing.T) {
	src := NewSyntheticSource("cam0", 8, 6, 3, 200)
	assert.Equal(t, "cam0", src.Camera())

	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var got []RawBuffer
	push := func(buf RawBuffer) {
		mu.Lock()
		got = append(got, RawBuffer{
			Data:     append([]byte(nil), buf.Data...),
			Width:    buf.Width,
			Height:   buf.Height,
			Channels: buf.Channels,
			Sequence: buf.Sequence,
		})
		if len(got) >= 5 {
			cancel()
		}
		mu.Unlock()
	}

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, push) }()

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a clean stop")
	case <-time.After(3 * time.Second):
		cancel()
		t.Fatal("source did not produce frames in time")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(got), 5)
	for i, buf := range got[:5] {
		assert.Len(t, buf.Data, 8*6*3, "buffer matches declared geometry")
		assert.Equal(t, uint64(i+1), buf.Sequence)
	}
	// Consecutive frames differ: the bar moves.
	assert.NotEqual(t, got[0].Data, got[1].Data)
}
