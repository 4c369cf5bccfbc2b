// Package wire defines the frame format exchanged between a federate and
// the RTI, and the encode/decode functions for it. All multi-byte fields
// are little-endian regardless of host byte order.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Frame tags. One byte on the wire, prefixed to every frame. The federate
// and the RTI must agree on these values.
const (
	TagFederateID   byte = 1 // federate -> RTI, once after connecting
	TagTimestamp    byte = 2 // physical time query / start time reply
	TagMessage      byte = 3 // untimestamped data message
	TagTimedMessage byte = 4 // data message carrying a logical timestamp
)

// Fixed sizes after the tag byte.
const (
	headerSize    = 8 // u16 port + u16 federate + u32 payload length
	timestampSize = 8 // i64
	federateIDLen = 4 // i32
)

var (
	// ErrInvalidAddress reports a destination port or federate ID outside
	// the 16-bit range a frame header can carry.
	ErrInvalidAddress = errors.New("wire: destination out of 16-bit range")

	// ErrUnknownFrameType reports a tag byte that is not part of the
	// protocol. The connection's framing state is unrecoverable after this.
	ErrUnknownFrameType = errors.New("wire: unknown frame type")

	// ErrPayloadTooLarge reports a payload that does not fit the 32-bit
	// length field.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds length field")
)

// Frame is one unit of wire transmission. Which fields are meaningful
// depends on Tag: Port, Federate and Payload for messages, Timestamp
// additionally for timed messages and timestamp frames, ID for the
// federate ID announce.
type Frame struct {
	Tag       byte
	Port      uint16
	Federate  uint16
	Timestamp int64
	ID        int32
	Payload   []byte
}

// NewMessage builds an untimestamped data frame, validating the
// destination before any encoding happens.
func NewMessage(port, federate int, payload []byte) (*Frame, error) {
	if err := checkAddress(port, federate); err != nil {
		return nil, err
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, ErrPayloadTooLarge
	}
	return &Frame{
		Tag:      TagMessage,
		Port:     uint16(port),
		Federate: uint16(federate),
		Payload:  payload,
	}, nil
}

// NewTimedMessage builds a data frame carrying a logical timestamp.
func NewTimedMessage(port, federate int, payload []byte, timestamp int64) (*Frame, error) {
	f, err := NewMessage(port, federate, payload)
	if err != nil {
		return nil, err
	}
	f.Tag = TagTimedMessage
	f.Timestamp = timestamp
	return f, nil
}

// NewFederateID builds the registration frame sent once after connecting.
func NewFederateID(id int32) *Frame {
	return &Frame{Tag: TagFederateID, ID: id}
}

// NewTimestamp builds a timestamp frame. The federate sends one carrying
// its physical time; the RTI replies with one carrying the start time.
func NewTimestamp(t int64) *Frame {
	return &Frame{Tag: TagTimestamp, Timestamp: t}
}

func checkAddress(port, federate int) error {
	if port < 0 || port > math.MaxUint16 {
		return fmt.Errorf("%w: port %d", ErrInvalidAddress, port)
	}
	if federate < 0 || federate > math.MaxUint16 {
		return fmt.Errorf("%w: federate %d", ErrInvalidAddress, federate)
	}
	return nil
}

// Encode serializes f into its canonical byte form, tag byte first.
func Encode(f *Frame) ([]byte, error) {
	switch f.Tag {
	case TagMessage:
		if uint64(len(f.Payload)) > math.MaxUint32 {
			return nil, ErrPayloadTooLarge
		}
		buf := make([]byte, 1+headerSize+len(f.Payload))
		buf[0] = TagMessage
		putHeader(buf[1:], f)
		copy(buf[1+headerSize:], f.Payload)
		return buf, nil

	case TagTimedMessage:
		if uint64(len(f.Payload)) > math.MaxUint32 {
			return nil, ErrPayloadTooLarge
		}
		buf := make([]byte, 1+headerSize+timestampSize+len(f.Payload))
		buf[0] = TagTimedMessage
		putHeader(buf[1:], f)
		binary.LittleEndian.PutUint64(buf[1+headerSize:], uint64(f.Timestamp))
		copy(buf[1+headerSize+timestampSize:], f.Payload)
		return buf, nil

	case TagFederateID:
		buf := make([]byte, 1+federateIDLen)
		buf[0] = TagFederateID
		binary.LittleEndian.PutUint32(buf[1:], uint32(f.ID))
		return buf, nil

	case TagTimestamp:
		buf := make([]byte, 1+timestampSize)
		buf[0] = TagTimestamp
		binary.LittleEndian.PutUint64(buf[1:], uint64(f.Timestamp))
		return buf, nil

	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownFrameType, f.Tag)
	}
}

func putHeader(b []byte, f *Frame) {
	binary.LittleEndian.PutUint16(b[0:], f.Port)
	binary.LittleEndian.PutUint16(b[2:], f.Federate)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(f.Payload)))
}

// Read decodes exactly one frame from r. It reads the tag byte, then the
// fixed part for that tag, then the payload sized by the decoded length
// field. A tag outside the protocol yields ErrUnknownFrameType; any short
// read surfaces the underlying transport error.
func Read(r io.Reader) (*Frame, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}
	return ReadTagged(r, tag[0])
}

// ReadTagged decodes the remainder of a frame whose tag byte has already
// been consumed from r.
func ReadTagged(r io.Reader, tag byte) (*Frame, error) {
	switch tag {
	case TagMessage:
		f, err := readHeader(r)
		if err != nil {
			return nil, err
		}
		f.Tag = TagMessage
		return f, nil

	case TagTimedMessage:
		var fixed [headerSize + timestampSize]byte
		if _, err := io.ReadFull(r, fixed[:]); err != nil {
			return nil, err
		}
		f := &Frame{
			Tag:       TagTimedMessage,
			Port:      binary.LittleEndian.Uint16(fixed[0:]),
			Federate:  binary.LittleEndian.Uint16(fixed[2:]),
			Timestamp: int64(binary.LittleEndian.Uint64(fixed[8:])),
		}
		length := binary.LittleEndian.Uint32(fixed[4:])
		if err := readPayload(r, f, length); err != nil {
			return nil, err
		}
		return f, nil

	case TagFederateID:
		var b [federateIDLen]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return &Frame{Tag: TagFederateID, ID: int32(binary.LittleEndian.Uint32(b[:]))}, nil

	case TagTimestamp:
		var b [timestampSize]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return &Frame{Tag: TagTimestamp, Timestamp: int64(binary.LittleEndian.Uint64(b[:]))}, nil

	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownFrameType, tag)
	}
}

func readHeader(r io.Reader) (*Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	f := &Frame{
		Port:     binary.LittleEndian.Uint16(hdr[0:]),
		Federate: binary.LittleEndian.Uint16(hdr[2:]),
	}
	length := binary.LittleEndian.Uint32(hdr[4:])
	if err := readPayload(r, f, length); err != nil {
		return nil, err
	}
	return f, nil
}

func readPayload(r io.Reader, f *Frame, length uint32) error {
	if length == 0 {
		return nil
	}
	f.Payload = make([]byte, length)
	_, err := io.ReadFull(r, f.Payload)
	return err
}
