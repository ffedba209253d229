package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lasertag/beetle-relay/pkg/config"
	"github.com/lasertag/beetle-relay/pkg/frame"
	"github.com/lasertag/beetle-relay/pkg/gamestate"
	"github.com/lasertag/beetle-relay/pkg/session"
	"github.com/lasertag/beetle-relay/pkg/transport"
)

// autoPeripheral answers every SYN with a SYN-ACK so a Session under
// test reaches READY without a real peripheral.
type autoPeripheral struct {
	mu     sync.Mutex
	buf    []byte
	stream *transport.FakeStream
}

func (p *autoPeripheral) onByte(b byte) {
	p.mu.Lock()
	p.buf = append(p.buf, b)
	var frames []frame.Frame
	for len(p.buf) >= frame.PacketSize {
		raw := p.buf[:frame.PacketSize]
		p.buf = p.buf[frame.PacketSize:]
		if f, err := frame.Decode(raw); err == nil {
			frames = append(frames, f)
		}
	}
	stream := p.stream
	p.mu.Unlock()

	for _, f := range frames {
		if f.Type == frame.TypeSYN {
			raw, _ := frame.Encode(frame.TypeSYNACK, make([]byte, frame.BodySize))
			stream.Write(raw[:])
		}
	}
}

func fakeOpener() transport.Opener {
	return func(ctx context.Context, addr string, handler transport.ByteHandler) (transport.Stream, error) {
		peer := &autoPeripheral{}
		a, b := transport.NewFakePair(handler, peer.onByte)
		peer.stream = b
		return a, nil
	}
}

func testConfig(snapshotPath string) config.Config {
	cfg := config.Default()
	cfg.Device.Beetle1 = "AA:BB:CC:DD:EE:01"
	cfg.Device.Beetle2 = "AA:BB:CC:DD:EE:02"
	cfg.Device.Beetle3 = "AA:BB:CC:DD:EE:03"
	cfg.Device.UltraIP = "127.0.0.1"
	cfg.Device.UltraPort = 1 // unreachable; relay redials forever, harmlessly
	cfg.Game.PlayerID = 1
	cfg.Snapshot.Path = snapshotPath
	cfg.Time.HandshakeInterval = 50 * time.Millisecond
	cfg.Time.ReconnectionInterval = 20 * time.Millisecond
	cfg.Time.MaxNotifWaitTime = 2 * time.Second
	cfg.Time.StatsLogInterval = 20 * time.Millisecond
	return cfg
}

func TestRunBringsAllSessionsReadyAndShutsDownCleanly(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "snapshot.json")
	cfg := testConfig(snapPath)

	gs := gamestate.New(cfg.Storage.MagSize)
	o := New(cfg, fakeOpener(), gs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, s := range o.sessions {
			if s.State().String() != "READY" {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not shut down within deadline")
	}

	_, err := os.Stat(snapPath)
	assert.NoError(t, err, "snapshot should be written on shutdown")
}

func TestOnStateChangeAndForceDisconnectToleratesNilBus(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "snap.json"))
	gs := gamestate.New(cfg.Storage.MagSize)
	o := New(cfg, fakeOpener(), gs, nil)

	assert.NotPanics(t, func() {
		o.OnStateChange("01", session.StateReady)
		o.OnForceDisconnect("01", "test")
	})
}
