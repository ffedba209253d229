package session

import (
	"encoding/binary"
	"log"

	"github.com/lasertag/beetle-relay/pkg/events"
	"github.com/lasertag/beetle-relay/pkg/frame"
)

// HandleFrame implements reliability.Handler: the PacketDispatcher
// (spec §4.4), dispatched in peer-sqn order, outside the channel's lock.
func (s *Session) HandleFrame(f frame.Frame) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return
	}

	beetleID := s.cfg.BeetleID()

	switch f.Type {
	case frame.TypeSYNACK:
		s.mu.Lock()
		synAckCh := s.synAckCh
		s.mu.Unlock()
		if synAckCh != nil {
			select {
			case synAckCh <- struct{}{}:
			default:
			}
		}

	case frame.TypeIMU:
		sample := decodeIMU(f.Body[:])
		s.outQ.PushIMU(events.OutboundEvent{
			Kind:     events.KindIMU,
			BeetleID: beetleID,
			PlayerID: s.cfg.PlayerID,
			IMU:      sample,
		})

	case frame.TypeGunshot:
		sqn := f.Body[0]
		remaining := int(f.Body[1])
		s.outQ.PushEvent(events.OutboundEvent{
			Kind:     events.KindGunshot,
			BeetleID: beetleID,
			PlayerID: s.cfg.PlayerID,
		})
		s.gs.UseBullet()
		if err := ch.SendReply(frame.TypeGunshot, sqn, nil); err != nil {
			log.Printf("session[%s]: gunshot ACK send failed: %v", beetleID, err)
		}
		if !s.gs.ApplyGunState(remaining) {
			log.Printf("session[%s]: gunshot apply mismatch, remaining=%d", beetleID, remaining)
		}

	case frame.TypeVestshot:
		sqn := f.Body[0]
		shield := int(f.Body[1])
		health := int(f.Body[2])
		s.outQ.PushEvent(events.OutboundEvent{
			Kind:     events.KindVestshot,
			BeetleID: beetleID,
			PlayerID: s.cfg.PlayerID,
			Shield:   shield,
			Health:   health,
		})
		s.gs.UpdateVestState(&shield, &health)
		if err := ch.SendReply(frame.TypeVestshot, sqn, nil); err != nil {
			log.Printf("session[%s]: vestshot ACK send failed: %v", beetleID, err)
		}
		if !s.gs.ApplyVestState(&shield, &health) {
			log.Printf("session[%s]: vestshot apply mismatch, shield=%d health=%d", beetleID, shield, health)
		}

	case frame.TypeReload:
		if !s.gs.ApplyGunState(s.cfg.MagSize) {
			log.Printf("session[%s]: reload apply mismatch", beetleID)
		}
		ch.CommitStateChange()

	case frame.TypeGunStateACK:
		bulletsUsed := int(f.Body[0])
		remaining := int(f.Body[1])
		_ = bulletsUsed
		if !s.gs.ApplyGunState(remaining) {
			log.Printf("session[%s]: gun-state ACK apply mismatch, remaining=%d", beetleID, remaining)
		}
		ch.CommitStateChange()

	case frame.TypeVestStateACK:
		shield := int(f.Body[1])
		health := int(f.Body[2])
		if !s.gs.ApplyVestState(&shield, &health) {
			log.Printf("session[%s]: vest-state ACK apply mismatch, shield=%d health=%d", beetleID, shield, health)
		}
		ch.CommitStateChange()

	default:
		log.Printf("session[%s]: unexpected frame type 0x%02x reached dispatcher", beetleID, f.Type)
	}
}

func decodeIMU(body []byte) events.IMUSample {
	return events.IMUSample{
		AccX: int16(binary.LittleEndian.Uint16(body[0:2])),
		AccY: int16(binary.LittleEndian.Uint16(body[2:4])),
		AccZ: int16(binary.LittleEndian.Uint16(body[4:6])),
		GyrX: int16(binary.LittleEndian.Uint16(body[6:8])),
		GyrY: int16(binary.LittleEndian.Uint16(body[8:10])),
		GyrZ: int16(binary.LittleEndian.Uint16(body[10:12])),
	}
}
