package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabels_String(t *testing.T) {
	assert.Equal(t, "", Labels(nil).String())
	assert.Equal(t, `{a="1",b="2"}`, Labels{"b": "2", "a": "1"}.String())
	assert.Equal(t, `{v="say \"hi\"\n"}`, Labels{"v": "say \"hi\"\n"}.String())
}

func TestRegistry_LabelledFamily(t *testing.T) {
	r := NewRegistry("kb", "")

	down := r.RegisterCounter("packets_total", "Packets", Labels{"kind": "down"})
	up := r.RegisterCounter("packets_total", "Packets", Labels{"kind": "up"})
	require.NotSame(t, down, up)
	assert.Same(t, down, r.RegisterCounter("packets_total", "Packets", Labels{"kind": "down"}))

	down.Add(3)
	up.Inc()

	assert.Equal(t, uint64(3), r.GetCounter("packets_total", Labels{"kind": "down"}).Value())
	assert.Equal(t, uint64(1), r.GetCounter("packets_total", Labels{"kind": "up"}).Value())
	assert.Nil(t, r.GetCounter("packets_total", Labels{"kind": "sync"}))
	assert.Equal(t, "kb_packets_total", down.Name())
}

func TestRegistry_WritePrometheus(t *testing.T) {
	r := NewRegistry("kb", "")
	r.RegisterCounter("packets_total", "Packets applied", Labels{"kind": "up"}).Inc()
	r.RegisterCounter("packets_total", "Packets applied", Labels{"kind": "down"}).Add(2)
	r.RegisterGauge("listeners", "Listeners", nil).Set(4)
	h := r.RegisterHistogram("dispatch_seconds", "Dispatch", nil, []float64{0.1, 1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Equal(t, 1, strings.Count(out, "# TYPE kb_packets_total counter"))
	assert.Contains(t, out, `kb_packets_total{kind="down"} 2`)
	assert.Contains(t, out, `kb_packets_total{kind="up"} 1`)
	assert.Less(t, strings.Index(out, `kind="down"`), strings.Index(out, `kind="up"`))
	assert.Contains(t, out, "kb_listeners 4")
	assert.Contains(t, out, `kb_dispatch_seconds_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `kb_dispatch_seconds_bucket{le="1"} 2`)
	assert.Contains(t, out, `kb_dispatch_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "kb_dispatch_seconds_count 3")
}

func TestHistogram_Cumulative(t *testing.T) {
	h := NewHistogram("h", "", nil, []float64{1, 2, 3})
	for _, v := range []float64{0.5, 1, 1.5, 2.5, 10} {
		h.Observe(v)
	}

	assert.Equal(t, []uint64{2, 3, 4, 5}, h.Cumulative())
	assert.Equal(t, uint64(5), h.Count())
	assert.InDelta(t, 15.5, h.Sum(), 1e-9)
	assert.InDelta(t, 3.1, h.Mean(), 1e-9)
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry("", "")
	c := r.RegisterCounter("c", "", nil)
	h := r.RegisterHistogram("h", "", nil, nil)
	c.Add(5)
	h.ObserveDuration(time.Millisecond)

	r.Reset()
	assert.Zero(t, c.Value())
	assert.Zero(t, h.Count())
	assert.Equal(t, uint64(0), h.Cumulative()[0])
}

func TestRegistry_HTTPHandler(t *testing.T) {
	r := NewRegistry("kb", "")
	r.RegisterGauge("keys_pressed", "Keys", nil).Set(2)

	t.Run("text", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
		assert.Contains(t, rec.Body.String(), "kb_keys_pressed 2")
	})

	t.Run("json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.Header.Set("Accept", "application/json")
		rec := httptest.NewRecorder()
		r.HTTPHandler().ServeHTTP(rec, req)

		var got map[string]float64
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, 2.0, got["kb_keys_pressed"])
	})
}

func TestKeybridgeMetrics_Observer(t *testing.T) {
	m := NewKeybridgeMetrics(NewRegistry("keybridge", ""))

	m.PacketApplied("down", true, 20*time.Microsecond)
	m.PacketApplied("up", false, 10*time.Microsecond)
	m.PacketApplied("down", false, 0)
	m.DecodeFailed("wrong_type")
	m.DecodeFailed("wrong_type")
	m.StateChanged(3, 2)

	assert.Equal(t, uint64(2), m.Packets("down"))
	assert.Equal(t, uint64(1), m.Packets("up"))
	assert.Equal(t, uint64(0), m.Packets("sync"))
	assert.Equal(t, uint64(1), m.DispatchHandledTotal.Value())
	assert.Equal(t, uint64(2), m.DecodeErrors("wrong_type"))
	assert.Equal(t, uint64(0), m.DecodeErrors("missing_field"))
	assert.Equal(t, int64(3), m.KeysPressed.Value())
	assert.Equal(t, int64(2), m.Listeners.Value())
	assert.Equal(t, uint64(3), m.DispatchDuration.Count())
}

func TestKeybridgeMetrics_HostAndJournal(t *testing.T) {
	m := NewKeybridgeMetrics(NewRegistry("keybridge", ""))

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.HostMessage()
	m.JournalAppended(nil)
	m.JournalAppended(assert.AnError)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap["host_connections"])
	assert.Equal(t, uint64(1), snap["host_messages_total"])
	assert.Equal(t, uint64(1), snap["journal_records_total"])
	assert.Equal(t, uint64(1), m.JournalErrorsTotal.Value())
	assert.Equal(t, uint64(0), snap["packets_down"])
}
