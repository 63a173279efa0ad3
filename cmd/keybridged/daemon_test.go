package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybridge/internal/config"
	"keybridge/internal/health"
	"keybridge/internal/ipc"
	"keybridge/internal/journal"
	"keybridge/internal/keyboard"
	"keybridge/internal/keys"
	"keybridge/internal/logging"
	"keybridge/internal/wire"
)

func testDaemon(t *testing.T) (*Daemon, *config.Config) {
	t.Helper()

	// Socket paths have a short length limit, so avoid t.TempDir's long names.
	sockDir, err := os.MkdirTemp("", "kbd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.IPC.SocketPath = filepath.Join(sockDir, "kb.sock")
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = filepath.Join(dir, "keybridged.log")

	logger, err := logging.New(cfg.LoggingConfig())
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })

	d, err := NewDaemon(cfg, logger, "test")
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d, cfg
}

func enterDown(t *testing.T) []byte {
	t.Helper()
	reg := keys.NewRegistry()
	codec, err := wire.NewCodec(wire.Revision1, reg)
	require.NoError(t, err)
	data, err := codec.Encode(&wire.Packet{
		Timestamp: 2 * time.Millisecond,
		Type:      wire.EventDown,
		Logical:   reg.Logical(keys.LogicalEnter, ""),
		Physical:  reg.Physical(keys.PhysicalEnter, ""),
		Character: "\n",
	})
	require.NoError(t, err)
	return data
}

func TestDaemon_PacketsReachSubscribersAndJournal(t *testing.T) {
	d, cfg := testDaemon(t)
	ctx := context.Background()

	client := ipc.NewClient(ipc.DefaultClientConfig(cfg.IPC.SocketPath))
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	_, err := client.SetFocus(ctx, true)
	require.NoError(t, err)
	require.NoError(t, client.Subscribe(ctx))

	res, err := client.SendPacket(ctx, enterDown(t))
	require.NoError(t, err)
	assert.Equal(t, keyboard.Skip, res, "the broadcast listener never claims")

	select {
	case ev := <-client.Events():
		assert.Equal(t, "down", ev.Kind)
		assert.Equal(t, keys.PhysicalEnter, ev.Physical.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event streamed")
	}

	_, err = client.SendPacket(ctx, []byte{0x80})
	var remote *ipc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ipc.ErrCodeDecode, remote.Code)

	assert.True(t, d.Tracker().IsKeyPressed(d.Tracker().Registry().Logical(keys.LogicalEnter, "")))
	assert.Equal(t, uint64(1), d.Metrics().Packets("down"))
	assert.Equal(t, uint64(1), d.Metrics().DecodeErrors("missing_field"))

	n, err := d.Journal().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, d.Journal().Verify(ctx))

	var results []string
	require.NoError(t, d.Journal().Iterate(ctx, func(r *journal.Record) error {
		results = append(results, r.Result)
		return nil
	}))
	assert.Equal(t, []string{journal.ResultSkip, journal.ResultRejected}, results)
}

func TestDaemon_ReplayMatchesLiveState(t *testing.T) {
	d, cfg := testDaemon(t)
	ctx := context.Background()

	client := ipc.NewClient(ipc.DefaultClientConfig(cfg.IPC.SocketPath))
	require.NoError(t, client.Connect(ctx))
	_, err := client.SendPacket(ctx, enterDown(t))
	require.NoError(t, err)
	client.Close()
	require.NoError(t, d.Stop(ctx))

	j, err := journal.Open(cfg.Journal.Path, time.Second)
	require.NoError(t, err)
	defer j.Close()

	tracker := keyboard.NewTracker(keyboard.WithRegistry(keys.NewRegistry()))
	defer tracker.Close()
	stats, err := j.Replay(ctx, tracker)
	require.NoError(t, err)
	assert.Equal(t, journal.ReplayStats{Packets: 1}, stats)
	require.Len(t, tracker.PhysicalKeysPressed(), 1)
	assert.Equal(t, keys.PhysicalEnter, tracker.PhysicalKeysPressed()[0].ID())
}

func TestDaemon_Health(t *testing.T) {
	d, _ := testDaemon(t)
	ctx := context.Background()

	assert.True(t, d.Health().IsReady())
	assert.Equal(t, []string{"ipc", "journal", "tracker"}, d.Health().Names())
	results := d.Health().Check(ctx)
	for name, r := range results {
		assert.Equal(t, health.StatusHealthy, r.Status, name)
	}

	require.NoError(t, d.Stop(ctx))
	assert.False(t, d.Health().IsReady())
	r, ok := d.Health().CheckComponent(ctx, "tracker")
	require.True(t, ok)
	assert.Equal(t, health.StatusUnhealthy, r.Status)
	assert.Equal(t, health.StatusUnhealthy, d.Health().OverallStatus())
}

func TestDaemon_StopIsIdempotent(t *testing.T) {
	d, _ := testDaemon(t)
	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))
}

func TestDaemon_ApplyConfigChangesLogLevel(t *testing.T) {
	d, cfg := testDaemon(t)

	next := cfg.Clone()
	next.Logging.Level = "debug"
	d.ApplyConfig(cfg, next)
	assert.Equal(t, logging.LevelDebug, d.logger.Level())
}

func TestNewDaemon_BadPermissions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.IPC.Permissions = "rw"
	logger, err := logging.New(&logging.Config{Output: "stdout"})
	require.NoError(t, err)

	_, err = NewDaemon(cfg, logger, "test")
	assert.ErrorContains(t, err, "ipc permissions")
}
