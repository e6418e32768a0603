// Package controlplane carries status and control requests between the
// orchestrator and a supervising process over one bidirectional byte
// stream.
//
// Every frame is a big-endian u32 length followed by a one-byte frame kind
// and the body. Data frames carry an i32 packet ID, a u16-prefixed command
// name and the payload. Ack frames carry the i32 ID of a received data
// frame; a sent packet stays pending until its ack arrives.
package controlplane

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Commands understood by the server.
const (
	CmdStatus        = "status"
	CmdGetRunning    = "get_running"
	CmdSetRunning    = "set_running"
	CmdGetEngineData = "get_engine_data"
	CmdSetEngineData = "set_engine_data"
	CmdShutdown      = "shutdown"
	CmdError         = "error"
)

// MaxFrameSize bounds a single frame.
const MaxFrameSize = 64 << 20

const (
	frameData byte = 1
	frameAck  byte = 2
)

var (
	ErrFrameTooLarge = errors.New("controlplane: frame too large")
	ErrMalformed     = errors.New("controlplane: malformed frame")
)

// Packet is one control-plane message.
type Packet struct {
	ID      int32
	Command string
	Payload []byte
}

// nextID returns the ID after last: 1, 2, ..., MaxInt32, 1, ...
func nextID(last int32) int32 {
	if last <= 0 || last == math.MaxInt32 {
		return 1
	}
	return last + 1
}

func writeFrame(w io.Writer, kind byte, body []byte) error {
	if len(body)+1 > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 5+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)+1))
	buf[4] = kind
	copy(buf[5:], body)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if n > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

func encodeData(p Packet) ([]byte, error) {
	if p.ID <= 0 {
		return nil, fmt.Errorf("controlplane: packet ID must be positive, got %d", p.ID)
	}
	if len(p.Command) > math.MaxUint16 {
		return nil, fmt.Errorf("controlplane: command name too long (%d bytes)", len(p.Command))
	}
	body := make([]byte, 6+len(p.Command)+len(p.Payload))
	binary.BigEndian.PutUint32(body[0:4], uint32(p.ID))
	binary.BigEndian.PutUint16(body[4:6], uint16(len(p.Command)))
	copy(body[6:], p.Command)
	copy(body[6+len(p.Command):], p.Payload)
	return body, nil
}

func decodeData(body []byte) (Packet, error) {
	if len(body) < 6 {
		return Packet{}, fmt.Errorf("%w: data frame of %d bytes", ErrMalformed, len(body))
	}
	id := int32(binary.BigEndian.Uint32(body[0:4]))
	n := int(binary.BigEndian.Uint16(body[4:6]))
	if id <= 0 || len(body) < 6+n {
		return Packet{}, fmt.Errorf("%w: bad data header", ErrMalformed)
	}
	return Packet{
		ID:      id,
		Command: string(body[6 : 6+n]),
		Payload: append([]byte(nil), body[6+n:]...),
	}, nil
}

func encodeAck(id int32) []byte {
	var body [4]byte
	binary.BigEndian.PutUint32(body[:], uint32(id))
	return body[:]
}

func decodeAck(body []byte) (int32, error) {
	if len(body) != 4 {
		return 0, fmt.Errorf("%w: ack frame of %d bytes", ErrMalformed, len(body))
	}
	return int32(binary.BigEndian.Uint32(body)), nil
}
