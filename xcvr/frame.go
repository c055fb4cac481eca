package xcvr

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/juju/errors"
	"github.com/sigurn/crc16"
)

// Frame layout, big endian:
//
//	magic   uint16 0x464c
//	length  uint16 envelope size
//	envelope
//	crc     uint16 CCITT-FALSE over magic, length, envelope
const (
	FrameMagic       uint16 = 0x464c
	FrameHeaderSize         = 4
	FrameTrailerSize        = 2
)

var (
	ErrFrameInvalid     = fmt.Errorf("frame is invalid")
	ErrFrameLenOverflow = fmt.Errorf("frame is too large")
)

var frameTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// FrameMarshal wraps an envelope in header and checksum.
func FrameMarshal(envelope []byte) ([]byte, error) {
	if len(envelope) > math.MaxUint16 {
		return nil, errors.Trace(ErrFrameLenOverflow)
	}
	b := make([]byte, FrameHeaderSize+len(envelope)+FrameTrailerSize)
	binary.BigEndian.PutUint16(b[0:], FrameMagic)
	binary.BigEndian.PutUint16(b[2:], uint16(len(envelope)))
	copy(b[FrameHeaderSize:], envelope)
	sum := crc16.Checksum(b[:FrameHeaderSize+len(envelope)], frameTable)
	binary.BigEndian.PutUint16(b[FrameHeaderSize+len(envelope):], sum)
	return b, nil
}

// FrameDecode validates a frame header and returns the envelope length.
// max bounds the whole frame including header and checksum.
func FrameDecode(header []byte, max uint32) (uint16, error) {
	if len(header) < FrameHeaderSize {
		return 0, errors.Trace(io.ErrUnexpectedEOF)
	}
	if magic := binary.BigEndian.Uint16(header[0:]); magic != FrameMagic {
		return 0, errors.Annotatef(ErrFrameInvalid, "magic=%04x", magic)
	}
	envLen := binary.BigEndian.Uint16(header[2:])
	if uint32(envLen)+FrameHeaderSize+FrameTrailerSize > max {
		return 0, errors.Annotatef(ErrFrameLenOverflow, "length=%d max=%d", envLen, max)
	}
	return envLen, nil
}

// frameCheck verifies the trailing checksum of a complete frame.
func frameCheck(frame []byte) error {
	body := frame[:len(frame)-FrameTrailerSize]
	declared := binary.BigEndian.Uint16(frame[len(frame)-FrameTrailerSize:])
	actual := crc16.Checksum(body, frameTable)
	if declared != actual {
		return errors.Annotatef(ErrFrameInvalid, "crc declared=%04x actual=%04x", declared, actual)
	}
	return nil
}
