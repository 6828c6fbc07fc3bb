package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"livevoice/internal/domain"
)

func TestCountersAndDropReasons(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.FrameSent()
	m.FrameSent()
	m.FrameDropped("backpressure")
	m.FrameDropped("not_ready")
	m.FrameDropped("backpressure")
	m.ChunkScheduled(250 * time.Millisecond)
	m.ChunkDropped("decode")
	m.SessionFailed(domain.ErrorCodeTransport)

	if got := testutil.ToFloat64(m.FramesSent); got != 2 {
		t.Fatalf("expected 2 frames sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("backpressure")); got != 2 {
		t.Fatalf("expected 2 backpressure drops, got %v", got)
	}
	if got := testutil.ToFloat64(m.ChunksScheduled); got != 1 {
		t.Fatalf("expected 1 scheduled chunk, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsFailed.WithLabelValues("transport")); got != 1 {
		t.Fatalf("expected transport failure, got %v", got)
	}
}

func TestStatusGaugeIsOneHot(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.StatusChanged(domain.StatusConnecting)
	m.StatusChanged(domain.StatusConnected)

	for _, s := range statuses {
		want := 0.0
		if s == domain.StatusConnected {
			want = 1
		}
		if got := testutil.ToFloat64(m.Status.WithLabelValues(string(s))); got != want {
			t.Fatalf("status %s: expected %v, got %v", s, want, got)
		}
	}
}

func TestRegistryCollectsEverything(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.PlaybackQueued(1.5)
	m.ConnectLatency(300 * time.Millisecond)
	m.SessionStarted()
	m.WakeWordTriggered("halo guru")
	m.WakeWordRestarted("stream_ended")
	m.HTTPRequest("POST", "/session/start", 202)

	if got := testutil.ToFloat64(m.PlaybackQueue); got != 1.5 {
		t.Fatalf("unexpected queue gauge: %v", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/session/start", "202")); got != 1 {
		t.Fatalf("unexpected http counter: %v", got)
	}
	if n := testutil.CollectAndCount(m.ConnectSeconds); n != 1 {
		t.Fatalf("expected connect histogram, got %d series", n)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered metric families")
	}
}
