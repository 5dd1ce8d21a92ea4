package drivers

import (
	"context"
	"testing"
)

func assertBools(t testing.TB, got, want bool) {
	t.Helper()

	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}

func assertUint16Slices(t testing.TB, got, want []uint16) {
	t.Helper()

	if len(got) != len(want) {
		t.Errorf("len(got) = %d len(want) = %d", len(got), len(want))
		return
	}

	for key, val := range got {
		if want[key] != val {
			t.Errorf("for key [%d] got: %d want: %d", key, val, want[key])
		}
	}
}

type edgeRecorder struct {
	pins []uint16
}

func (er *edgeRecorder) HandleEdge(pin uint16) {
	er.pins = append(er.pins, pin)
}

func TestMockInputGetState(t *testing.T) {
	in := MockInput{}

	state, _ := in.GetState()
	assertBools(t, state, false)

	in.SetLevel(true)
	state, _ = in.GetState()
	assertBools(t, state, true)
}

func TestMockOutputSetState(t *testing.T) {
	out := MockOutput{}

	want := true
	out.Set(want)
	got, _ := out.GetState()
	assertBools(t, got, want)

	want = false
	out.Set(want)
	got, _ = out.GetState()
	assertBools(t, got, want)
}

func TestMockIoSetup(t *testing.T) {
	md := MockIoDriver{}

	want := false
	got := md.IsReady()
	assertBools(t, got, want)

	md.Setup(context.Background(), []uint16{1, 3, 5}, []uint16{2, 4})
	want = true
	got = md.IsReady()
	assertBools(t, got, want)
}

func TestMockIoGetAllIo(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{1, 3, 5}, []uint16{2, 4})
	inputs, outputs := md.GetAllIo()
	assertUint16Slices(t, inputs, []uint16{1, 3, 5})
	assertUint16Slices(t, outputs, []uint16{2, 4})
}

func TestMockInputEdges(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{7}, nil)

	in, err := md.GetMockInput(7)
	if err != nil {
		t.Fatalf("GetMockInput returned err: %v", err)
	}

	t.Run("any edge fires on both transitions", func(t *testing.T) {
		rec := &edgeRecorder{}
		in.SubscribeToEdges(EdgeAny, rec)

		in.SetLevel(true)
		in.SetLevel(false)
		if len(rec.pins) != 2 {
			t.Errorf("got %d edges want 2", len(rec.pins))
		}
		for _, pin := range rec.pins {
			if pin != 7 {
				t.Errorf("got pin %d want 7", pin)
			}
		}
	})

	t.Run("falling edge ignores rising transition", func(t *testing.T) {
		rec := &edgeRecorder{}
		in.SubscribeToEdges(EdgeFalling, rec)

		in.SetLevel(true)
		if len(rec.pins) != 0 {
			t.Errorf("rising transition fired %d edges want 0", len(rec.pins))
		}
		in.SetLevel(false)
		if len(rec.pins) != 1 {
			t.Errorf("falling transition fired %d edges want 1", len(rec.pins))
		}
	})

	t.Run("no level change no edge", func(t *testing.T) {
		rec := &edgeRecorder{}
		in.SubscribeToEdges(EdgeAny, rec)

		in.SetLevel(false)
		if len(rec.pins) != 0 {
			t.Errorf("got %d edges want 0", len(rec.pins))
		}
	})
}

func TestMockGetOutput(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{}, []uint16{3})
	output, err := md.GetOutput(3)
	if err != nil {
		t.Errorf("GetOutput returned err: %v", err)
	}

	want := true
	output.Set(want)
	got, _ := output.GetState()
	assertBools(t, got, want)

	anotherOut, _ := md.GetOutput(3)
	got, _ = anotherOut.GetState()
	assertBools(t, got, want)
}
