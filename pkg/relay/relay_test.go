package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lasertag/beetle-relay/pkg/events"
)

func TestPairIMUEmitsOnlyOnceBothSlotsFull(t *testing.T) {
	c := New(Config{GunBeetleID: "01", AnkleBeetleID: "02"}, nil, nil, nil)

	rec := c.pairIMU(events.OutboundEvent{BeetleID: "01", IMU: events.IMUSample{AccX: 1}})
	assert.Nil(t, rec)

	rec = c.pairIMU(events.OutboundEvent{BeetleID: "02", IMU: events.IMUSample{AccX: 2}})
	require.NotNil(t, rec)
	assert.Equal(t, int16(1), rec.GunAccX)
	assert.Equal(t, int16(2), rec.AnkleAccX)

	// slots are consumed; a second ankle sample alone yields nothing yet
	rec = c.pairIMU(events.OutboundEvent{BeetleID: "02", IMU: events.IMUSample{AccX: 9}})
	assert.Nil(t, rec)
}

func TestPairIMUDiscardsUnpairedOnReplacement(t *testing.T) {
	c := New(Config{GunBeetleID: "01", AnkleBeetleID: "02"}, nil, nil, nil)

	c.pairIMU(events.OutboundEvent{BeetleID: "01", IMU: events.IMUSample{AccX: 1}})
	c.pairIMU(events.OutboundEvent{BeetleID: "01", IMU: events.IMUSample{AccX: 5}})
	rec := c.pairIMU(events.OutboundEvent{BeetleID: "02", IMU: events.IMUSample{AccX: 2}})
	require.NotNil(t, rec)
	assert.Equal(t, int16(5), rec.GunAccX, "newest gun sample wins, stale one discarded")
}

func TestSenderLoopWritesLengthPrefixedJSON(t *testing.T) {
	outQ := events.NewOutboundQueue(4)
	c := New(Config{PlayerID: 7}, outQ, nil, nil)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.senderLoop(ctx, client)

	outQ.PushEvent(events.OutboundEvent{Kind: events.KindGunshot, PlayerID: 7})

	server.SetReadDeadline(time.Now().Add(time.Second))
	r := bufio.NewReader(server)
	lenStr, err := r.ReadString('_')
	require.NoError(t, err)
	n := 0
	for _, ch := range lenStr[:len(lenStr)-1] {
		n = n*10 + int(ch-'0')
	}
	body := make([]byte, n)
	_, err = r.Read(body)
	require.NoError(t, err)

	var rec eventRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "G", rec.Type)
	assert.Equal(t, 7, rec.PlayerID)
}

func TestReceiverLoopUpdatesServerState(t *testing.T) {
	srvGun := &events.SingleSlot[events.ServerGunState]{}
	srvVest := &events.SingleSlot[events.ServerVestState]{}
	c := New(Config{PlayerID: 3}, nil, srvGun, srvVest)

	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.receiverLoop(ctx, client)

	msg := serverStateMsg{PlayerID: 3, Bullets: 5, Health: 80, HPShield: 10}
	body, _ := json.Marshal(msg)
	framed := append([]byte{}, []byte(itoa(len(body))+"_")...)
	framed = append(framed, body...)

	done := make(chan struct{})
	go func() {
		server.Write(framed)
		close(done)
	}()
	<-done
	server.Close()

	require.Eventually(t, func() bool {
		_, ok := srvGun.Take()
		return ok
	}, time.Second, 5*time.Millisecond)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
