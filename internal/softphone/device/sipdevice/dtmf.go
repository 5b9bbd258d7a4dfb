package sipdevice

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// RFC 4733 telephone-event parameters.
const (
	dtmfPayloadType uint8  = 101
	dtmfVolume      uint8  = 10  // -10 dBm0
	dtmfSampleRate  uint32 = 8000
	dtmfDuration    uint16 = 1600 // 200ms at 8kHz
	dtmfInterval    uint16 = 160  // 20ms at 8kHz
)

// dtmfEvent is the RFC 4733 4-byte telephone-event payload.
type dtmfEvent struct {
	event      uint8
	endOfEvent bool
	volume     uint8
	duration   uint16
}

func (e dtmfEvent) encode() []byte {
	b := make([]byte, 4)
	b[0] = e.event
	b[1] = e.volume & 0x3F
	if e.endOfEvent {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.duration)
	return b
}

// runeToEvent maps a dial-pad character to its telephone-event code.
func runeToEvent(r rune) (uint8, bool) {
	switch {
	case r >= '0' && r <= '9':
		return uint8(r - '0'), true
	case r == '*':
		return 10, true
	case r == '#':
		return 11, true
	case r >= 'A' && r <= 'D':
		return uint8(r-'A') + 12, true
	case r >= 'a' && r <= 'd':
		return uint8(r-'a') + 12, true
	}
	return 0, false
}

// dtmfSender writes RFC 4733 telephone-event packets to the negotiated
// remote RTP endpoint.
type dtmfSender struct {
	mu   sync.Mutex
	conn *net.UDPConn
	ssrc uint32
	seq  uint16
	ts   uint32
}

// newDTMFSender dials the remote RTP endpoint.
func newDTMFSender(addr string, port int) (*dtmfSender, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("resolve RTP endpoint: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial RTP endpoint: %w", err)
	}
	return &dtmfSender{
		conn: conn,
		ssrc: rand.Uint32(),
		seq:  uint16(rand.Uint32()),
		ts:   rand.Uint32(),
	}, nil
}

// SendDigit transmits one digit as an RFC 4733 event: intermediate packets
// with increasing duration at 20ms spacing, then the end-of-event packet
// three times for redundancy. The timestamp stays constant for the whole
// event.
func (d *dtmfSender) SendDigit(digit rune) error {
	event, ok := runeToEvent(digit)
	if !ok {
		return fmt.Errorf("invalid DTMF digit: %c", digit)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ts := d.ts
	first := true
	for dur := dtmfInterval; dur < dtmfDuration; dur += dtmfInterval {
		evt := dtmfEvent{event: event, volume: dtmfVolume, duration: dur}
		if err := d.write(evt, ts, first); err != nil {
			return fmt.Errorf("send DTMF packet: %w", err)
		}
		first = false
		time.Sleep(20 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		evt := dtmfEvent{event: event, endOfEvent: true, volume: dtmfVolume, duration: dtmfDuration}
		if err := d.write(evt, ts, false); err != nil {
			return fmt.Errorf("send DTMF end packet: %w", err)
		}
		if i < 2 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	// Advance the timestamp past the event for the next digit.
	d.ts += uint32(dtmfDuration)
	return nil
}

func (d *dtmfSender) write(evt dtmfEvent, ts uint32, marker bool) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    dtmfPayloadType,
			SequenceNumber: d.seq,
			Timestamp:      ts,
			SSRC:           d.ssrc,
		},
		Payload: evt.encode(),
	}
	d.seq++

	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = d.conn.Write(raw)
	return err
}

func (d *dtmfSender) Close() error {
	return d.conn.Close()
}
