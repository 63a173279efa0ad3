package metrics

import (
	"time"
)

// Event kinds as reported by the tracker.
var packetKinds = []string{"down", "up", "sync", "cancel"}

// KeybridgeMetrics holds the daemon's metrics. It satisfies the tracker's
// observer interface.
type KeybridgeMetrics struct {
	registry *Registry

	packets map[string]*Counter

	DispatchHandledTotal *Counter
	HostMessagesTotal    *Counter
	JournalRecordsTotal  *Counter
	JournalErrorsTotal   *Counter

	KeysPressed     *Gauge
	Listeners       *Gauge
	HostConnections *Gauge
	UptimeSeconds   *Gauge

	DispatchDuration *Histogram
}

var startTime = time.Now()

// NewKeybridgeMetrics registers the daemon metrics in registry. A nil
// registry means Default().
func NewKeybridgeMetrics(registry *Registry) *KeybridgeMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &KeybridgeMetrics{
		registry: registry,
		packets:  make(map[string]*Counter, len(packetKinds)),

		DispatchHandledTotal: registry.RegisterCounter(
			"dispatch_handled_total",
			"Key down and up packets claimed by at least one listener",
			nil,
		),
		HostMessagesTotal: registry.RegisterCounter(
			"host_messages_total",
			"Packets received from host transports",
			nil,
		),
		JournalRecordsTotal: registry.RegisterCounter(
			"journal_records_total",
			"Packets written to the journal",
			nil,
		),
		JournalErrorsTotal: registry.RegisterCounter(
			"journal_errors_total",
			"Journal writes that failed",
			nil,
		),

		KeysPressed: registry.RegisterGauge(
			"keys_pressed",
			"Physical keys currently held according to the tracker",
			nil,
		),
		Listeners: registry.RegisterGauge(
			"listeners",
			"Registered key event listeners",
			nil,
		),
		HostConnections: registry.RegisterGauge(
			"host_connections",
			"Open host socket connections",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Time since the metrics were initialized",
			nil,
		),

		DispatchDuration: registry.RegisterHistogram(
			"dispatch_duration_seconds",
			"Time spent running listeners for one packet",
			nil,
			DurationBuckets,
		),
	}

	for _, kind := range packetKinds {
		m.packets[kind] = m.packetCounter(kind)
	}
	return m
}

func (m *KeybridgeMetrics) packetCounter(kind string) *Counter {
	return m.registry.RegisterCounter("packets_total", "Packets applied to the tracker", Labels{"kind": kind})
}

// PacketApplied counts one applied packet.
func (m *KeybridgeMetrics) PacketApplied(kind string, handled bool, dispatch time.Duration) {
	c, ok := m.packets[kind]
	if !ok {
		c = m.packetCounter(kind)
	}
	c.Inc()
	if handled {
		m.DispatchHandledTotal.Inc()
	}
	m.DispatchDuration.ObserveDuration(dispatch)
}

// DecodeFailed counts one rejected packet by error kind.
func (m *KeybridgeMetrics) DecodeFailed(kind string) {
	m.registry.RegisterCounter("decode_errors_total", "Packets rejected by the wire decoder", Labels{"kind": kind}).Inc()
}

// StateChanged records the tracker's sizes after a change.
func (m *KeybridgeMetrics) StateChanged(keysPressed, listeners int) {
	m.KeysPressed.Set(int64(keysPressed))
	m.Listeners.Set(int64(listeners))
}

// HostMessage counts a packet arriving from a transport.
func (m *KeybridgeMetrics) HostMessage() {
	m.HostMessagesTotal.Inc()
}

// ConnectionOpened and ConnectionClosed track host socket connections.
func (m *KeybridgeMetrics) ConnectionOpened() {
	m.HostConnections.Inc()
}

func (m *KeybridgeMetrics) ConnectionClosed() {
	m.HostConnections.Dec()
}

// JournalAppended counts a journal write.
func (m *KeybridgeMetrics) JournalAppended(err error) {
	if err != nil {
		m.JournalErrorsTotal.Inc()
		return
	}
	m.JournalRecordsTotal.Inc()
}

// Packets returns the applied count for one event kind.
func (m *KeybridgeMetrics) Packets(kind string) uint64 {
	if c := m.registry.GetCounter("packets_total", Labels{"kind": kind}); c != nil {
		return c.Value()
	}
	return 0
}

// DecodeErrors returns the rejected count for one decode error kind.
func (m *KeybridgeMetrics) DecodeErrors(kind string) uint64 {
	if c := m.registry.GetCounter("decode_errors_total", Labels{"kind": kind}); c != nil {
		return c.Value()
	}
	return 0
}

// UpdateUptime refreshes the uptime gauge.
func (m *KeybridgeMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Registry returns the registry the metrics live in.
func (m *KeybridgeMetrics) Registry() *Registry {
	return m.registry
}

// Snapshot returns the headline values for status output.
func (m *KeybridgeMetrics) Snapshot() map[string]any {
	m.UpdateUptime()
	snap := map[string]any{
		"dispatch_handled_total": m.DispatchHandledTotal.Value(),
		"host_messages_total":    m.HostMessagesTotal.Value(),
		"journal_records_total":  m.JournalRecordsTotal.Value(),
		"keys_pressed":           m.KeysPressed.Value(),
		"listeners":              m.Listeners.Value(),
		"host_connections":       m.HostConnections.Value(),
		"uptime_seconds":         m.UptimeSeconds.Value(),
		"dispatch_avg_seconds":   m.DispatchDuration.Mean(),
		"dispatch_observations":  m.DispatchDuration.Count(),
	}
	for _, kind := range packetKinds {
		snap["packets_"+kind] = m.packets[kind].Value()
	}
	return snap
}

var defaultKeybridgeMetrics *KeybridgeMetrics

// GetMetrics returns the process-wide metrics, registering them in Default()
// on first use.
func GetMetrics() *KeybridgeMetrics {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultKeybridgeMetrics == nil {
		defaultKeybridgeMetrics = NewKeybridgeMetrics(defaultRegistry)
	}
	return defaultKeybridgeMetrics
}
