package rawdump

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gpsrelay/internal/bus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func rawMessage(key, fix string) bus.Message {
	return bus.Message{Topic: "raw", Key: key, Value: []byte(fmt.Sprintf(`{"key":%q,"point":%s}`, key, fix))}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestFileName(t *testing.T) {
	if got := FileName(1700000000); got != "2023-11-14T22-13-20.000Z.jsonl" {
		t.Fatalf("unexpected file name %q", got)
	}
}

func TestHandleAppendsPerSegment(t *testing.T) {
	root := t.TempDir()
	a := New(root, time.Hour, nil)
	defer a.Close()
	ctx := context.Background()

	msgs := []bus.Message{
		rawMessage("dev-1", `{ "lat": "1.5", "lon": "2", "timestamp": "1700000001", "starttimestamp": "1700000000" }`),
		rawMessage("dev-1", `{"lat":"1.6","lon":"2","timestamp":"1700000002","starttimestamp":"1700000000"}`),
		rawMessage("dev-1", `{"lat":"9","lon":"9","timestamp":"1700000100","starttimestamp":"1700000099.7"}`),
		rawMessage("dev-2", `{"lat":"3","lon":"4","timestamp":"1700000005","starttimestamp":"1700000000"}`),
	}
	for i, msg := range msgs {
		if err := a.Handle(ctx, msg); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}

	first := readLines(t, filepath.Join(root, "dev-1", FileName(1700000000)))
	if len(first) != 2 {
		t.Fatalf("expected 2 fixes in the first segment, got %d", len(first))
	}
	if first[0] != `{"lat":"1.5","lon":"2","timestamp":"1700000001","starttimestamp":"1700000000"}` {
		t.Fatalf("fix should be stored compacted in arrival form, got %s", first[0])
	}
	if second := readLines(t, filepath.Join(root, "dev-1", FileName(1700000099))); len(second) != 1 {
		t.Fatalf("expected 1 fix in the second segment, got %d", len(second))
	}
	if other := readLines(t, filepath.Join(root, "dev-2", FileName(1700000000))); len(other) != 1 {
		t.Fatalf("expected 1 fix for dev-2, got %d", len(other))
	}
	if a.Open() != 3 {
		t.Fatalf("expected 3 open files, got %d", a.Open())
	}
}

func TestHandleDropsUnusableMessages(t *testing.T) {
	root := t.TempDir()
	a := New(root, time.Hour, nil)
	defer a.Close()

	cases := []bus.Message{
		{Value: []byte(`not json`)},
		{Value: []byte(`{"point":{"starttimestamp":"1"}}`)},
		rawMessage("dev-1", `"nope"`),
		rawMessage("dev-1", `{"lat":"1","starttimestamp":"soon"}`),
		rawMessage("..", `{"lat":"1","starttimestamp":"1"}`),
		rawMessage("a/../../b", `{"lat":"1","starttimestamp":"1"}`),
	}
	for i, msg := range cases {
		if err := a.Handle(context.Background(), msg); err != nil {
			t.Fatalf("case %d: expected drop, got %v", i, err)
		}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("nothing should have been archived, found %d entries", len(entries))
	}
}

func TestIdleFilesAreClosedAndReopened(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: time.Unix(0, 0)}
	a := New(root, time.Hour, nil).WithClock(clock.Now)
	defer a.Close()

	if err := a.Append("dev-1", 100, []byte("a\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if err := a.Append("dev-2", 100, []byte("b\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if a.Open() != 1 {
		t.Fatalf("idle file should have been closed on the miss, %d open", a.Open())
	}

	if err := a.Append("dev-1", 100, []byte("c\n")); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if got := readLines(t, filepath.Join(root, "dev-1", FileName(100))); len(got) != 2 || got[1] != "c" {
		t.Fatalf("expected append to the existing file, got %v", got)
	}
}

func TestAppendAfterCloseReopens(t *testing.T) {
	root := t.TempDir()
	a := New(root, time.Hour, nil)

	if err := a.Append("dev-1", 5, []byte("a\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	a.Close()
	if a.Open() != 0 {
		t.Fatalf("expected no open files after close")
	}
	if err := a.Append("dev-1", 5, []byte("b\n")); err != nil {
		t.Fatalf("append after close: %v", err)
	}
	a.Close()
	if got := readLines(t, filepath.Join(root, "dev-1", FileName(5))); len(got) != 2 {
		t.Fatalf("expected both lines, got %v", got)
	}
}

func TestConcurrentAppends(t *testing.T) {
	root := t.TempDir()
	a := New(root, time.Hour, nil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := a.Append(fmt.Sprintf("dev-%d", w%2), 1, []byte("x\n")); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	a.Close()

	for k := 0; k < 2; k++ {
		if got := readLines(t, filepath.Join(root, fmt.Sprintf("dev-%d", k), FileName(1))); len(got) != 100 {
			t.Fatalf("dev-%d: expected 100 lines, got %d", k, len(got))
		}
	}
}
