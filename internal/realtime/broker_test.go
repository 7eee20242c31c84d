package realtime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testBroker() *Broker {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return newBroker(DefaultHistory, time.FixedZone("CST", 8*3600), func() time.Time { return fixed }, zerolog.Nop())
}

func TestAppendTimestampFormat(t *testing.T) {
	b := testBroker()
	if got := b.Append("hello", true); got != "2024-01-02 11:04:05 - hello" {
		t.Fatalf("timestamped line: %q", got)
	}
	if got := b.Append("banner", false); got != "banner" {
		t.Fatalf("plain line: %q", got)
	}
}

func TestSnapshotIsBounded(t *testing.T) {
	b := testBroker()
	for i := 0; i < 150; i++ {
		b.Append(fmt.Sprintf("line-%d", i), false)
	}
	snap := b.Snapshot()
	if len(snap) != DefaultHistory {
		t.Fatalf("snapshot length: got %d", len(snap))
	}
	for i, line := range snap {
		if want := fmt.Sprintf("line-%d", i+50); line != want {
			t.Fatalf("snapshot[%d]=%q want %q", i, line, want)
		}
	}
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return line
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

func TestSubscribeReplaysThenStreams(t *testing.T) {
	b := testBroker()
	b.Append("a", false)
	b.Append("b", false)

	first, cleanupFirst := b.Subscribe()
	defer cleanupFirst()
	b.Append("c", false)

	second, cleanupSecond := b.Subscribe()
	b.Append("d", false)

	for _, want := range []string{"a", "b", "c", "d"} {
		if got := recv(t, first); got != want {
			t.Fatalf("first subscriber: got %q want %q", got, want)
		}
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		if got := recv(t, second); got != want {
			t.Fatalf("second subscriber: got %q want %q", got, want)
		}
	}

	cleanupSecond()
	cleanupSecond()
	b.Append("e", false)
	if got := recv(t, first); got != "e" {
		t.Fatalf("first subscriber after second closed: got %q", got)
	}
	if _, ok := <-second; ok {
		t.Fatal("closed subscriber must not receive lines")
	}
	if b.Subscribers() != 1 {
		t.Fatalf("subscribers: got %d", b.Subscribers())
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := testBroker()
	var counts []int
	b.OnSubscribers(func(n int) { counts = append(counts, n) })

	slow, cleanupSlow := b.Subscribe()
	defer cleanupSlow()
	fast, cleanupFast := b.Subscribe()
	defer cleanupFast()

	var got []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for line := range fast {
			got = append(got, line)
			if len(got) == subscriberBuffer+10 {
				return
			}
		}
	}()
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Append(fmt.Sprintf("%d", i), false)
		// 给快速订阅者留出消费时间。
		for len(fast) > subscriberBuffer/2 {
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	if len(got) != subscriberBuffer+10 {
		t.Fatalf("fast subscriber received %d lines", len(got))
	}
	if b.Subscribers() != 1 {
		t.Fatalf("slow subscriber should be removed, subscribers=%d", b.Subscribers())
	}
	drained := 0
	for range slow {
		drained++
	}
	if drained != subscriberBuffer {
		t.Fatalf("slow subscriber buffered %d lines before drop", drained)
	}
	if counts[len(counts)-1] != 1 {
		t.Fatalf("subscriber callback: %v", counts)
	}
}

func TestConcurrentAppendAndSubscribe(t *testing.T) {
	b := testBroker()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Append(fmt.Sprintf("w%d-%d", n, j), true)
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cleanup := b.Subscribe()
			cleanup()
		}()
	}
	wg.Wait()
	if len(b.Snapshot()) != DefaultHistory {
		t.Fatalf("snapshot length: %d", len(b.Snapshot()))
	}
}
