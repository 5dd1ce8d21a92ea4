package riokit

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/riolabs/riokit/drivers"
)

func newTestIoService(t testing.TB) (*IoService, *drivers.MockIoDriver, ChannelTable) {
	t.Helper()

	table := DefaultChannelTable()
	md := &drivers.MockIoDriver{}
	svc := NewIoService(table, md, log.New(io.Discard))
	err := svc.Configure(context.Background())
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	return svc, md, table
}

func mockInput(t testing.TB, md *drivers.MockIoDriver, pin uint16) *drivers.MockInput {
	t.Helper()

	in, err := md.GetMockInput(pin)
	if err != nil {
		t.Fatalf("mock input %d missing: %v", pin, err)
	}
	return in
}

func TestButtonDebounceCollapsesPresses(t *testing.T) {
	svc, md, table := newTestIoService(t)

	var toggles atomic.Int32
	err := svc.Start(func() { toggles.Add(1) }, func(int) {})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer svc.Stop()

	button := mockInput(t, md, table.Button)

	// A bouncy press: several raw edges inside one window.
	for i := 0; i < 6; i++ {
		button.TriggerEdge()
		time.Sleep(2 * time.Millisecond)
	}

	eventually(t, func() bool { return toggles.Load() == 1 }, "bouncy press not collapsed to one toggle")

	// Nothing more fires once the window has drained.
	time.Sleep(debounceWindow + 100*time.Millisecond)
	if got := toggles.Load(); got != 1 {
		t.Fatalf("got %d toggles after settling, want 1", got)
	}

	button.TriggerEdge()
	eventually(t, func() bool { return toggles.Load() == 2 }, "second press not delivered")
}

func TestInputEdgeReportsChannel(t *testing.T) {
	svc, md, table := newTestIoService(t)

	changed := make(chan int, 8)
	err := svc.Start(func() {}, func(channel int) { changed <- channel })
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer svc.Stop()

	mockInput(t, md, table.Inputs[3]).SetLevel(true)

	select {
	case channel := <-changed:
		if channel != 3 {
			t.Fatalf("got change on channel %d, want 3", channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("input change not delivered")
	}

	level, err := svc.InputOn(3)
	if err != nil {
		t.Fatalf("sampling failed: %v", err)
	}
	if !level {
		t.Fatal("channel 3 sampled low after rising edge")
	}
}

func TestEdgeWithoutLevelChangeStillReported(t *testing.T) {
	svc, md, table := newTestIoService(t)

	changed := make(chan int, 8)
	err := svc.Start(func() {}, func(channel int) { changed <- channel })
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer svc.Stop()

	// A glitch shorter than the sampling interval: edge fires, level is
	// unchanged. The observer still gets the re-sampled state.
	mockInput(t, md, table.Inputs[5]).TriggerEdge()

	select {
	case channel := <-changed:
		if channel != 5 {
			t.Fatalf("got change on channel %d, want 5", channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("glitch edge not delivered")
	}

	level, _ := svc.InputOn(5)
	if level {
		t.Fatal("channel 5 sampled high without a level change")
	}
}

func TestEdgeQueueOverflow(t *testing.T) {
	svc, md, table := newTestIoService(t)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var consumed atomic.Int32

	err := svc.Start(func() {}, func(int) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		consumed.Add(1)
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer svc.Stop()

	// Park the consumer inside the observer so the queue cannot drain.
	mockInput(t, md, table.Inputs[0]).TriggerEdge()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never picked up the first edge")
	}

	// Flood: the queue takes edgeQueueDepth edges, one more overflows.
	flooder := mockInput(t, md, table.Inputs[1])
	for i := 0; i < edgeQueueDepth+1; i++ {
		flooder.TriggerEdge()
	}

	if got := svc.DroppedEdges(); got != 1 {
		t.Fatalf("got %d dropped edges, want 1", got)
	}

	// Once the consumer is released the queued edges flow through and new
	// edges are accepted again.
	close(release)
	eventually(t, func() bool { return consumed.Load() == int32(edgeQueueDepth)+1 }, "queued edges not drained")

	flooder.TriggerEdge()
	eventually(t, func() bool { return consumed.Load() == int32(edgeQueueDepth)+2 }, "edge after overflow not accepted")
	if got := svc.DroppedEdges(); got != 1 {
		t.Fatalf("drop counter moved to %d, want 1", got)
	}
}

func TestUnmatchedPinIgnored(t *testing.T) {
	svc, _, _ := newTestIoService(t)

	changed := make(chan int, 8)
	err := svc.Start(func() {}, func(channel int) { changed <- channel })
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer svc.Stop()

	svc.HandleEdge(99)

	select {
	case channel := <-changed:
		t.Fatalf("unmatched pin reported as channel %d", channel)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLifecycleErrors(t *testing.T) {
	table := DefaultChannelTable()
	svc := NewIoService(table, &drivers.MockIoDriver{}, log.New(io.Discard))

	if err := svc.Start(func() {}, func(int) {}); err == nil {
		t.Error("start on unconfigured service did not fail")
	}
	if err := svc.Stop(); err == nil {
		t.Error("stop on stopped service did not fail")
	}

	if err := svc.Configure(context.Background()); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if err := svc.Start(func() {}, func(int) {}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := svc.Start(func() {}, func(int) {}); err == nil {
		t.Error("second start did not fail")
	}
	if err := svc.Stop(); err != nil {
		t.Errorf("stop failed: %v", err)
	}
}

func TestInputOnRange(t *testing.T) {
	svc, _, _ := newTestIoService(t)

	if _, err := svc.InputOn(-1); err == nil {
		t.Error("negative channel did not fail")
	}
	if _, err := svc.InputOn(NumIOChannels); err == nil {
		t.Error("channel past the last line did not fail")
	}
	if _, err := svc.InputOn(0); err != nil {
		t.Errorf("channel 0 failed: %v", err)
	}
}
