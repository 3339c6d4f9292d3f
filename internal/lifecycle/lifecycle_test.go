package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct{ got []Event }

var _ Handler = (*recorder)(nil)

func (r *recorder) OnForeground(context.Context) { r.got = append(r.got, Foreground) }
func (r *recorder) OnBackground(context.Context) { r.got = append(r.got, Background) }

func TestPump_OnlyTransitions(t *testing.T) {
	t.Parallel()
	events := make(chan Event, 8)
	for _, e := range []Event{Foreground, Background, Background, Event(42), Foreground, Foreground, Background} {
		events <- e
	}
	close(events)

	r := &recorder{}
	Pump(context.Background(), events, r)
	require.Equal(t, []Event{Background, Foreground, Background}, r.got)
}

func TestPump_StopsOnContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Pump(ctx, make(chan Event), &recorder{})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Pump did not return after cancel")
	}
}

func TestEvent_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "foreground", Foreground.String())
	require.Equal(t, "background", Background.String())
	require.Equal(t, "unknown", Event(0).String())
}
