// Package v2wire implements the binary frame format and typed messages of
// the V2 upstream protocol's extended-channel subset: the frame header,
// message type codes, and encode/decode for every message the Upstream
// Client and Bridge exchange with a pool.
package v2wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// HeaderLen is the fixed size of a frame header: 2 bytes extension type,
// 1 byte message type, 3 bytes little-endian message length.
const HeaderLen = 6

// MaxFrameLen bounds a single frame's payload to keep a malformed peer from
// forcing an unbounded read buffer allocation.
const MaxFrameLen = 1 << 20

// Message type codes for the extended-channel subset this proxy speaks.
const (
	MsgSetupConnection               = 0x00
	MsgSetupConnectionSuccess        = 0x01
	MsgSetupConnectionError          = 0x02
	MsgOpenExtendedMiningChannel     = 0x13
	MsgOpenExtendedMiningChannelOK   = 0x14
	MsgOpenMiningChannelError        = 0x15
	MsgUpdateChannel                 = 0x16
	MsgUpdateChannelError            = 0x17
	MsgSubmitSharesExtended          = 0x1b
	MsgSubmitSharesSuccess           = 0x1c
	MsgSubmitSharesError             = 0x1d
	MsgNewExtendedMiningJob          = 0x20
	MsgSetNewPrevHash                = 0x21
	MsgSetTarget                     = 0x22
	MsgChannelEndpointChanged        = 0x23
)

var ErrFrameTooLarge = errors.New("v2wire: frame exceeds MaxFrameLen")

// Frame is a decoded header plus its raw payload, not yet parsed into a
// concrete message type.
type Frame struct {
	ExtensionType uint16
	MsgType       uint8
	Payload       []byte
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	ext := binary.LittleEndian.Uint16(hdr[0:2])
	msgType := hdr[2]
	length := uint32(hdr[3]) | uint32(hdr[4])<<8 | uint32(hdr[5])<<16
	if length > MaxFrameLen {
		return Frame{}, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{ExtensionType: ext, MsgType: msgType, Payload: payload}, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxFrameLen {
		return ErrFrameTooLarge
	}
	var hdr [HeaderLen]byte
	binary.LittleEndian.PutUint16(hdr[0:2], f.ExtensionType)
	hdr[2] = f.MsgType
	length := uint32(len(f.Payload))
	hdr[3] = byte(length)
	hdr[4] = byte(length >> 8)
	hdr[5] = byte(length >> 16)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(f.Payload)
	return err
}
