package devpipe

import (
	"testing"
	"time"

	"vkernel/internal/defs"
	"vkernel/internal/sched"
)

func waitDone(t *testing.T, th *sched.Thread) {
	t.Helper()
	select {
	case <-th.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("thread did not terminate")
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	s := sched.New()
	r, w := New(s)
	defer r.Unref()
	defer w.Unref()

	var got []byte
	var readErr defs.Err_t
	done := make(chan struct{})

	th := s.Spawn(10, nil, func(self *sched.Thread) {
		buf := make([]byte, 32)
		n, err := r.Ops.Read(self, buf, 0)
		if err != 0 {
			readErr = err
		}
		got = buf[:n]
		close(done)
	})
	_ = th

	writer := s.Spawn(10, nil, func(self *sched.Thread) {
		w.Ops.Write(self, []byte("ping"), 0)
	})
	waitDone(t, writer)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reader never observed data")
	}
	if readErr != 0 {
		t.Fatalf("Read error: %v", readErr)
	}
	if string(got) != "ping" {
		t.Fatalf("got %q want %q", got, "ping")
	}
}

func TestReadBlocksUntilWriteArrivesOnSameScheduler(t *testing.T) {
	s := sched.New()
	r, w := New(s)
	defer r.Unref()
	defer w.Unref()

	results := make(chan string, 1)
	reader := s.Spawn(5, nil, func(self *sched.Thread) {
		buf := make([]byte, 8)
		n, _ := r.Ops.Read(self, buf, 0)
		results <- string(buf[:n])
	})

	// Give the reader a chance to park before the writer runs.
	time.Sleep(10 * time.Millisecond)

	writer := s.Spawn(5, nil, func(self *sched.Thread) {
		w.Ops.Write(self, []byte("hi"), 0)
	})
	waitDone(t, writer)
	waitDone(t, reader)

	select {
	case v := <-results:
		if v != "hi" {
			t.Fatalf("got %q want %q", v, "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader never received data")
	}
}

func TestReadReturnsEOFAfterWriterCloses(t *testing.T) {
	s := sched.New()
	r, w := New(s)
	defer r.Unref()

	w.Unref() // last writer endpoint closes immediately

	reader := s.Spawn(5, nil, func(self *sched.Thread) {
		buf := make([]byte, 8)
		n, err := r.Ops.Read(self, buf, 0)
		if n != 0 || err != 0 {
			t.Errorf("expected EOF (0, success), got (%d, %v)", n, err)
		}
	})
	waitDone(t, reader)
}
