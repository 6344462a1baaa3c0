package devconsole

import (
	"bytes"
	"testing"
	"time"

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

func TestWriteGoesToSink(t *testing.T) {
	s := sched.New()
	var sink bytes.Buffer
	v := New(s, &sink, 0)
	defer v.Unref()

	th := s.Spawn(10, nil, func(self *sched.Thread) {
		v.Ops.Write(self, []byte("hello console"), 0)
	})
	waitDone(t, th)
	if sink.String() != "hello console" {
		t.Fatalf("got %q", sink.String())
	}
}

func TestReadBlocksUntilFed(t *testing.T) {
	s := sched.New()
	var sink bytes.Buffer
	v := New(s, &sink, 0)
	defer v.Unref()
	console := v.Ops.(*Console)

	results := make(chan string, 1)
	reader := s.Spawn(5, nil, func(self *sched.Thread) {
		buf := make([]byte, 16)
		n, err := v.Ops.Read(self, buf, 0)
		if err != 0 {
			t.Errorf("Read error: %v", err)
		}
		results <- string(buf[:n])
	})

	time.Sleep(10 * time.Millisecond)
	console.Feed([]byte("ok\n"))
	waitDone(t, reader)

	select {
	case got := <-results:
		if got != "ok\n" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader never observed fed input")
	}
}

func TestEchoWritesToSinkOnFeed(t *testing.T) {
	s := sched.New()
	var sink bytes.Buffer
	v := New(s, &sink, 0)
	defer v.Unref()
	console := v.Ops.(*Console)

	console.Tcsetattr(Termios{Canonical: true, Echo: true})
	console.Feed([]byte("typed"))
	if sink.String() != "typed" {
		t.Fatalf("expected echo to sink, got %q", sink.String())
	}
}

func TestEchoDisabledSuppressesSinkWrite(t *testing.T) {
	s := sched.New()
	var sink bytes.Buffer
	v := New(s, &sink, 0)
	defer v.Unref()
	console := v.Ops.(*Console)

	console.Tcsetattr(Termios{Canonical: true, Echo: false})
	console.Feed([]byte("silent"))
	if sink.Len() != 0 {
		t.Fatalf("expected no echo, got %q", sink.String())
	}
}

func TestIsTTYTrue(t *testing.T) {
	s := sched.New()
	var sink bytes.Buffer
	v := New(s, &sink, 0)
	defer v.Unref()
	if !v.Ops.IsTTY() {
		t.Fatalf("console should report IsTTY true")
	}
}
