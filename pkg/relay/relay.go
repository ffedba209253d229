// Package relay implements the upstream RelayClient (spec §4.6): a
// single TCP connection carrying length-prefixed JSON in both
// directions, with a sender loop that pairs gun/ankle IMU samples and
// a receiver loop that republishes authoritative server state into
// the single-slot mailboxes each Session polls.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lasertag/beetle-relay/pkg/events"
)

// Config names the upstream endpoint and the beetle_id assigned to
// each IMU-bearing peripheral, used to route samples into the gun or
// ankle pairing slot (spec §4.6).
type Config struct {
	Addr          string
	PlayerID      int
	GunBeetleID   string
	AnkleBeetleID string
	DialTimeout   time.Duration
}

// Client owns the upstream TCP connection.
type Client struct {
	cfg     Config
	outQ    *events.OutboundQueue
	srvGun  *events.SingleSlot[events.ServerGunState]
	srvVest *events.SingleSlot[events.ServerVestState]

	mu        sync.Mutex
	gunSlot   *events.IMUSample
	ankleSlot *events.IMUSample
}

// New builds a RelayClient.
func New(cfg Config, outQ *events.OutboundQueue, srvGun *events.SingleSlot[events.ServerGunState], srvVest *events.SingleSlot[events.ServerVestState]) *Client {
	return &Client{cfg: cfg, outQ: outQ, srvGun: srvGun, srvVest: srvVest}
}

// Run dials the upstream server and runs the sender and receiver
// loops until ctx is canceled. It returns the error that ended the
// connection, if any; callers may choose to redial (spec §7: "log;
// close and allow outer supervisor to recover").
func (c *Client) Run(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- c.senderLoop(ctx, conn) }()
	go func() { errCh <- c.receiverLoop(ctx, conn) }()

	select {
	case <-ctx.Done():
		conn.Close()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		conn.Close()
		return err
	}
}

type imuRecord struct {
	Type     string `json:"type"`
	PlayerID int    `json:"player_id"`
	GunAccX  int16  `json:"gunAccX"`
	GunAccY  int16  `json:"gunAccY"`
	GunAccZ  int16  `json:"gunAccZ"`
	GunGyrX  int16  `json:"gunGyrX"`
	GunGyrY  int16  `json:"gunGyrY"`
	GunGyrZ  int16  `json:"gunGyrZ"`
	AnkleAccX int16 `json:"ankleAccX"`
	AnkleAccY int16 `json:"ankleAccY"`
	AnkleAccZ int16 `json:"ankleAccZ"`
	AnkleGyrX int16 `json:"ankleGyrX"`
	AnkleGyrY int16 `json:"ankleGyrY"`
	AnkleGyrZ int16 `json:"ankleGyrZ"`
}

type eventRecord struct {
	Type     string `json:"type"`
	PlayerID int    `json:"player_id"`
}

// senderLoop drains outbound_q, pairs IMU samples by beetle_id, and
// writes length-prefixed JSON (spec §4.6 sender loop).
func (c *Client) senderLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-c.outQ.Chan():
			if !ok {
				return nil
			}
			if err := c.handleOutbound(conn, e); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleOutbound(conn net.Conn, e events.OutboundEvent) error {
	if e.Kind == events.KindIMU {
		paired := c.pairIMU(e)
		if paired == nil {
			return nil
		}
		return writeFramed(conn, paired)
	}

	rec := eventRecord{Type: string(e.Kind), PlayerID: e.PlayerID}
	return writeFramed(conn, rec)
}

// pairIMU implements the single-slot gun/ankle pairing buffer: each
// sample replaces its slot, discarding any unpaired prior value; a
// pair is emitted once both slots hold a sample (spec §3, §4.6).
func (c *Client) pairIMU(e events.OutboundEvent) *imuRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.BeetleID {
	case c.cfg.GunBeetleID:
		s := e.IMU
		c.gunSlot = &s
	case c.cfg.AnkleBeetleID:
		s := e.IMU
		c.ankleSlot = &s
	default:
		log.Printf("relay: IMU sample from unrecognized beetle_id %q, dropping", e.BeetleID)
		return nil
	}

	if c.gunSlot == nil || c.ankleSlot == nil {
		return nil
	}

	rec := &imuRecord{
		Type:      "M",
		PlayerID:  e.PlayerID,
		GunAccX:   c.gunSlot.AccX,
		GunAccY:   c.gunSlot.AccY,
		GunAccZ:   c.gunSlot.AccZ,
		GunGyrX:   c.gunSlot.GyrX,
		GunGyrY:   c.gunSlot.GyrY,
		GunGyrZ:   c.gunSlot.GyrZ,
		AnkleAccX: c.ankleSlot.AccX,
		AnkleAccY: c.ankleSlot.AccY,
		AnkleAccZ: c.ankleSlot.AccZ,
		AnkleGyrX: c.ankleSlot.GyrX,
		AnkleGyrY: c.ankleSlot.GyrY,
		AnkleGyrZ: c.ankleSlot.GyrZ,
	}
	c.gunSlot = nil
	c.ankleSlot = nil
	return rec
}

func writeFramed(conn net.Conn, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: marshal: %w", err)
	}
	header := strconv.Itoa(len(body)) + "_"
	if _, err := conn.Write(append([]byte(header), body...)); err != nil {
		return fmt.Errorf("relay: write: %w", err)
	}
	return nil
}

type serverStateMsg struct {
	PlayerID int `json:"player_id"`
	Bullets  int `json:"bullets"`
	Health   int `json:"health"`
	HPShield int `json:"hp_shield"`
}

// receiverLoop reads ASCII-decimal-length-prefixed JSON records and
// republishes matching-player records into the single-slot server
// state mailboxes (spec §4.6 receiver loop).
func (c *Client) receiverLoop(ctx context.Context, conn net.Conn) error {
	r := bufio.NewReader(conn)
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		lenStr, err := r.ReadString('_')
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return fmt.Errorf("relay: read length prefix: %w", err)
			}
		}
		lenStr = lenStr[:len(lenStr)-1]
		n, err := strconv.Atoi(lenStr)
		if err != nil {
			log.Printf("relay: malformed length prefix %q, resyncing", lenStr)
			continue
		}
		body := make([]byte, n)
		if _, err := readFull(r, body); err != nil {
			return fmt.Errorf("relay: read body: %w", err)
		}

		var msg serverStateMsg
		if err := json.Unmarshal(body, &msg); err != nil {
			log.Printf("relay: malformed server state JSON: %v", err)
			continue
		}
		if msg.PlayerID != c.cfg.PlayerID {
			continue
		}
		c.srvGun.Set(events.ServerGunState{Bullets: msg.Bullets})
		c.srvVest.Set(events.ServerVestState{Shield: msg.HPShield, Health: msg.Health})
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
