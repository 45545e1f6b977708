package stream

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderSeesFramesInOrder(t *testing.T) {
	f := NewFeed(0)
	r := f.Subscribe()
	defer r.Close()

	for i := 0; i < 5; i++ {
		f.Append([]byte{byte(i)})
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		item, err := r.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), item.Seq)
		assert.Equal(t, []byte{byte(i)}, item.Data)
	}
}

func TestSubscribeStartsAtTheEnd(t *testing.T) {
	f := NewFeed(0)
	f.Append([]byte("old"))

	r := f.Subscribe()
	defer r.Close()
	f.Append([]byte("new"))

	item, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", string(item.Data))

	latest, ok := f.Latest()
	require.True(t, ok)
	assert.Equal(t, "new", string(latest.Data))
}

func TestFramesReleasedAfterAllReadersPass(t *testing.T) {
	f := NewFeed(0)
	a := f.Subscribe()
	b := f.Subscribe()

	f.Append([]byte("1"))
	f.Append([]byte("2"))
	assert.Equal(t, 2, f.Stats().Backlog)

	ctx := context.Background()
	_, err := a.Next(ctx)
	require.NoError(t, err)
	_, err = a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Stats().Backlog, "b has not read yet")

	_, err = b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Stats().Backlog)

	b.Close()
	assert.Equal(t, 0, f.Stats().Backlog)
	a.Close()

	_, err = a.Next(ctx)
	assert.Error(t, err)
}

func TestNoReadersKeepsNoBacklog(t *testing.T) {
	f := NewFeed(0)
	for i := 0; i < 100; i++ {
		f.Append([]byte{1})
	}
	s := f.Stats()
	assert.Equal(t, 0, s.Backlog)
	assert.Equal(t, uint64(100), s.Appended)
}

func TestLaggingReaderSkipsAhead(t *testing.T) {
	f := NewFeed(3)
	r := f.Subscribe()
	defer r.Close()

	for i := 0; i < 10; i++ {
		f.Append([]byte{byte(i)})
	}

	item, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), item.Seq)
	assert.Equal(t, uint64(7), f.Stats().Skipped)
}

func TestNextWaitsAndCancels(t *testing.T) {
	f := NewFeed(0)
	r := f.Subscribe()
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	done := make(chan Item, 1)
	go func() {
		item, err := r.Next(context.Background())
		if err == nil {
			done <- item
		}
	}()
	time.Sleep(10 * time.Millisecond)
	f.Append([]byte("wake"))

	select {
	case item := <-done:
		assert.Equal(t, "wake", string(item.Data))
	case <-time.After(time.Second):
		t.Fatal("reader was not woken")
	}
}

func TestCloseDrainsThenEnds(t *testing.T) {
	f := NewFeed(0)
	r := f.Subscribe()
	f.Append([]byte("last"))
	f.Close()
	f.Close()

	item, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last", string(item.Data))

	_, err = r.Next(context.Background())
	assert.True(t, errors.Is(err, ErrFeedClosed))

	f.Append([]byte("ignored"))
	assert.Equal(t, uint64(1), f.Stats().Appended)
}

func TestConcurrentReadersAreOrdered(t *testing.T) {
	f := NewFeed(0)
	const n = 200

	var wg sync.WaitGroup
	for k := 0; k < 3; k++ {
		r := f.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.Close()
			for i := 0; i < n; i++ {
				item, err := r.Next(context.Background())
				if err != nil || item.Seq != uint64(i) {
					t.Errorf("reader got seq %d err %v, want %d", item.Seq, err, i)
					return
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		f.Append([]byte{byte(i)})
	}
	wg.Wait()
}

func TestWritePartFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePart(&buf, "frame", []byte{0xff, 0xd8, 0xff, 0xd9}))

	want := "--frame\r\nContent-Type: image/jpeg\r\n\r\n\xff\xd8\xff\xd9\r\n"
	assert.Equal(t, want, buf.String())
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", ContentType(Boundary))
}

func TestServeMJPEG(t *testing.T) {
	f := NewFeed(0)
	r := f.Subscribe()
	defer r.Close()

	f.Append([]byte("a"))
	f.Append([]byte("b"))
	f.Close()

	rec := httptest.NewRecorder()
	parts, err := ServeMJPEG(context.Background(), rec, r)
	require.NoError(t, err)
	assert.Equal(t, 2, parts)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"--frame\r\nContent-Type: image/jpeg\r\n\r\na\r\n--frame\r\nContent-Type: image/jpeg\r\n\r\nb\r\n",
		rec.Body.String())
}
