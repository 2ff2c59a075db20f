// SPDX-License-Identifier: MIT

package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/viznet/camerad/internal/camera"
)

func rawFrame(width, height, channels int) camera.RawBuffer {
	return camera.RawBuffer{
		Data:      make([]byte, width*height*channels),
		Width:     width,
		Height:    height,
		Channels:  channels,
		Timestamp: time.Now(),
	}
}

func TestPushRaw_DecodeError(t *testing.T) {
	b := New(Options{}, []string{"cam0"})
	defer b.Close()

	buf := rawFrame(4, 4, 3)
	buf.Data = buf.Data[:10] // truncated

	err := b.PushRaw("cam0", buf)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 10, de.Got)
	assert.Equal(t, 48, de.Want)

	st, err := b.Stats("cam0")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.DecodeErrors)
	assert.Equal(t, uint64(0), st.FramesTotal)

	// Ingestion continues after a bad buffer.
	require.NoError(t, b.PushRaw("cam0", rawFrame(4, 4, 3)))
	st, _ = b.Stats("cam0")
	assert.Equal(t, uint64(1), st.FramesTotal)
}

func TestPushRaw_UnknownCamera(t *testing.T) {
	b := New(Options{}, []string{"cam0"})
	defer b.Close()

	err := b.PushRaw("nope", rawFrame(2, 2, 1))
	assert.ErrorIs(t, err, ErrUnknownCamera)

	_, err = b.Subscribe("nope")
	assert.ErrorIs(t, err, ErrUnknownCamera)

	_, err = b.SubscribeRecorder("nope")
	assert.ErrorIs(t, err, ErrUnknownCamera)
}

func TestViewer_DropOldestKeepsNewest(t *testing.T) {
	b := New(Options{ViewerQueueCap: 2}, []string{"cam0"})
	defer b.Close()

	sub, err := b.Subscribe("cam0")
	require.NoError(t, err)
	defer sub.Close()

	// Nobody consumes: pushes beyond the capacity evict the oldest frames.
	for i := 0; i < 5; i++ {
		require.NoError(t, b.PushRaw("cam0", rawFrame(2, 2, 1)))
	}

	assert.Equal(t, uint64(3), sub.Drops())
	assert.Equal(t, uint64(5), sub.LastSequence())

	var got []uint64
	for len(got) < 2 {
		select {
		case f := <-sub.Frames():
			got = append(got, f.Sequence)
		case <-time.After(time.Second):
			t.Fatal("queue should hold two frames")
		}
	}
	// The two newest survive, in order.
	assert.Equal(t, []uint64{4, 5}, got)
}

func TestViewer_SequenceIsPerCameraMonotonic(t *testing.T) {
	b := New(Options{ViewerQueueCap: 16}, []string{"cam0", "cam1"})
	defer b.Close()

	s0, err := b.Subscribe("cam0")
	require.NoError(t, err)
	defer s0.Close()

	require.NoError(t, b.PushRaw("cam1", rawFrame(2, 2, 1)))
	require.NoError(t, b.PushRaw("cam1", rawFrame(2, 2, 1)))
	require.NoError(t, b.PushRaw("cam0", rawFrame(2, 2, 1)))

	select {
	case f := <-s0.Frames():
		// cam1 traffic must not advance cam0's sequence.
		assert.Equal(t, uint64(1), f.Sequence)
		assert.Equal(t, "cam0", f.Camera)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestPushRaw_LatencyIndependentOfSlowViewers(t *testing.T) {
	b := New(Options{ViewerQueueCap: 1}, []string{"cam0"})
	defer b.Close()

	// Ten stalled viewers with full queues.
	for i := 0; i < 10; i++ {
		sub, err := b.Subscribe("cam0")
		require.NoError(t, err)
		defer sub.Close()
	}
	require.NoError(t, b.PushRaw("cam0", rawFrame(8, 8, 3)))

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, b.PushRaw("cam0", rawFrame(8, 8, 3)))
	}
	// Drop-oldest never blocks, so this is far below any real deadline.
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRecorderFeed_DeliversInOrder(t *testing.T) {
	b := New(Options{RecorderQueueCap: 8}, []string{"cam0"})
	defer b.Close()

	rf, err := b.SubscribeRecorder("cam0")
	require.NoError(t, err)
	defer rf.Close()

	done := make(chan []uint64)
	go func() {
		var seqs []uint64
		for len(seqs) < 20 {
			select {
			case f := <-rf.Frames():
				seqs = append(seqs, f.Sequence)
			case <-rf.Failed():
				done <- nil
				return
			}
		}
		done <- seqs
	}()

	for i := 0; i < 20; i++ {
		require.NoError(t, b.PushRaw("cam0", rawFrame(2, 2, 1)))
	}

	seqs := <-done
	require.Len(t, seqs, 20)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}
}

func TestRecorderFeed_OverflowFailsFeed(t *testing.T) {
	b := New(Options{
		RecorderQueueCap:       1,
		RecorderEnqueueTimeout: 20 * time.Millisecond,
	}, []string{"cam0"})
	defer b.Close()

	rf, err := b.SubscribeRecorder("cam0")
	require.NoError(t, err)

	// Fill the queue, then push into a consumer that never drains.
	require.NoError(t, b.PushRaw("cam0", rawFrame(2, 2, 1)))
	require.NoError(t, b.PushRaw("cam0", rawFrame(2, 2, 1)))

	select {
	case <-rf.Failed():
	case <-time.After(time.Second):
		t.Fatal("feed should fail after the enqueue timeout")
	}
	assert.ErrorIs(t, rf.Err(), ErrBufferOverflow)

	// The failed feed is unregistered: a new recording can start.
	rf2, err := b.SubscribeRecorder("cam0")
	require.NoError(t, err)
	rf2.Close()
}

func TestSubscribeRecorder_Exclusive(t *testing.T) {
	b := New(Options{}, []string{"cam0"})
	defer b.Close()

	rf, err := b.SubscribeRecorder("cam0")
	require.NoError(t, err)

	_, err = b.SubscribeRecorder("cam0")
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	rf.Close()
	rf2, err := b.SubscribeRecorder("cam0")
	require.NoError(t, err)
	rf2.Close()
}

func TestBroker_Close(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := New(Options{}, []string{"cam0"})
	sub, err := b.Subscribe("cam0")
	require.NoError(t, err)
	rf, err := b.SubscribeRecorder("cam0")
	require.NoError(t, err)

	b.Close()

	select {
	case <-sub.Done():
	default:
		t.Error("subscription should be torn down on close")
	}
	select {
	case <-rf.Failed():
		assert.ErrorIs(t, rf.Err(), ErrClosed)
	default:
		t.Error("recorder feed should be failed on close")
	}

	assert.True(t, errors.Is(b.PushRaw("cam0", rawFrame(2, 2, 1)), ErrClosed))
	_, err = b.Subscribe("cam0")
	assert.ErrorIs(t, err, ErrClosed)
}
