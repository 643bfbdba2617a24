package v2wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// byte-string fields are encoded as a u16 little-endian length prefix
// followed by the raw bytes — a simplified stand-in for the upstream
// protocol's variable-length byte arrays.

type writer struct{ buf []byte }

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) bytes(b []byte) {
	w.u16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}
func (w *writer) bytes32(b [32]byte) { w.buf = append(w.buf, b[:]...) }

type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil || r.pos+n > len(r.buf) {
		if r.err == nil {
			r.err = fmt.Errorf("v2wire: short message, need %d bytes at offset %d (len %d)", n, r.pos, len(r.buf))
		}
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) bytes() []byte {
	n := int(r.u16())
	if !r.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+n])
	r.pos += n
	return b
}

func (r *reader) bytes32() [32]byte {
	var out [32]byte
	if !r.need(32) {
		return out
	}
	copy(out[:], r.buf[r.pos:r.pos+32])
	r.pos += 32
	return out
}

// SetupConnection is the initial handshake message identifying this proxy
// to the upstream pool.
type SetupConnection struct {
	ProtocolVersionMin uint16
	ProtocolVersionMax uint16
	Flags              uint32
	Endpoint           string
	VendorIdentity     string
}

func (m SetupConnection) Encode() []byte {
	w := &writer{}
	w.u16(m.ProtocolVersionMin)
	w.u16(m.ProtocolVersionMax)
	w.u32(m.Flags)
	w.bytes([]byte(m.Endpoint))
	w.bytes([]byte(m.VendorIdentity))
	return w.buf
}

func DecodeSetupConnection(b []byte) (SetupConnection, error) {
	r := &reader{buf: b}
	m := SetupConnection{
		ProtocolVersionMin: r.u16(),
		ProtocolVersionMax: r.u16(),
		Flags:              r.u32(),
		Endpoint:           string(r.bytes()),
		VendorIdentity:     string(r.bytes()),
	}
	return m, r.err
}

// SetupConnectionSuccess acknowledges a SetupConnection.
type SetupConnectionSuccess struct {
	UsedVersion uint16
	Flags       uint32
}

func (m SetupConnectionSuccess) Encode() []byte {
	w := &writer{}
	w.u16(m.UsedVersion)
	w.u32(m.Flags)
	return w.buf
}

func DecodeSetupConnectionSuccess(b []byte) (SetupConnectionSuccess, error) {
	r := &reader{buf: b}
	m := SetupConnectionSuccess{UsedVersion: r.u16(), Flags: r.u32()}
	return m, r.err
}

// OpenExtendedMiningChannel requests a new extended channel.
type OpenExtendedMiningChannel struct {
	RequestID      uint32
	UserIdentity   string
	NominalHashrate float64
	MaxTarget      [32]byte
	MinExtranonceSize uint16
}

func (m OpenExtendedMiningChannel) Encode() []byte {
	w := &writer{}
	w.u32(m.RequestID)
	w.bytes([]byte(m.UserIdentity))
	w.u64(float64Bits(m.NominalHashrate))
	w.bytes32(m.MaxTarget)
	w.u16(m.MinExtranonceSize)
	return w.buf
}

func DecodeOpenExtendedMiningChannel(b []byte) (OpenExtendedMiningChannel, error) {
	r := &reader{buf: b}
	m := OpenExtendedMiningChannel{
		RequestID:    r.u32(),
		UserIdentity: string(r.bytes()),
	}
	m.NominalHashrate = bitsFloat64(r.u64())
	m.MaxTarget = r.bytes32()
	m.MinExtranonceSize = r.u16()
	return m, r.err
}

// OpenExtendedMiningChannelSuccess grants a channel with its extranonce prefix.
type OpenExtendedMiningChannelSuccess struct {
	RequestID        uint32
	ChannelID        uint32
	Target           [32]byte
	ExtranoncePrefix []byte
	ExtranonceSize   uint16
}

func (m OpenExtendedMiningChannelSuccess) Encode() []byte {
	w := &writer{}
	w.u32(m.RequestID)
	w.u32(m.ChannelID)
	w.bytes32(m.Target)
	w.bytes(m.ExtranoncePrefix)
	w.u16(m.ExtranonceSize)
	return w.buf
}

func DecodeOpenExtendedMiningChannelSuccess(b []byte) (OpenExtendedMiningChannelSuccess, error) {
	r := &reader{buf: b}
	m := OpenExtendedMiningChannelSuccess{
		RequestID: r.u32(),
		ChannelID: r.u32(),
	}
	m.Target = r.bytes32()
	m.ExtranoncePrefix = r.bytes()
	m.ExtranonceSize = r.u16()
	return m, r.err
}

// OpenMiningChannelError reports why a channel open request failed.
type OpenMiningChannelError struct {
	RequestID uint32
	ErrorCode string
}

func (m OpenMiningChannelError) Encode() []byte {
	w := &writer{}
	w.u32(m.RequestID)
	w.bytes([]byte(m.ErrorCode))
	return w.buf
}

func DecodeOpenMiningChannelError(b []byte) (OpenMiningChannelError, error) {
	r := &reader{buf: b}
	m := OpenMiningChannelError{RequestID: r.u32(), ErrorCode: string(r.bytes())}
	return m, r.err
}

// UpdateChannel renegotiates hashrate/target for an open channel.
type UpdateChannel struct {
	ChannelID       uint32
	NominalHashrate float64
	MaxTarget       [32]byte
}

func (m UpdateChannel) Encode() []byte {
	w := &writer{}
	w.u32(m.ChannelID)
	w.u64(float64Bits(m.NominalHashrate))
	w.bytes32(m.MaxTarget)
	return w.buf
}

func DecodeUpdateChannel(b []byte) (UpdateChannel, error) {
	r := &reader{buf: b}
	m := UpdateChannel{ChannelID: r.u32()}
	m.NominalHashrate = bitsFloat64(r.u64())
	m.MaxTarget = r.bytes32()
	return m, r.err
}

// NewExtendedMiningJob announces a new job template on a channel.
type NewExtendedMiningJob struct {
	ChannelID        uint32
	JobID            uint32
	FutureJob        bool
	Version          uint32
	CoinbasePrefix   []byte
	CoinbaseSuffix   []byte
	MerklePath       [][32]byte
}

func (m NewExtendedMiningJob) Encode() []byte {
	w := &writer{}
	w.u32(m.ChannelID)
	w.u32(m.JobID)
	if m.FutureJob {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u32(m.Version)
	w.bytes(m.CoinbasePrefix)
	w.bytes(m.CoinbaseSuffix)
	w.u16(uint16(len(m.MerklePath)))
	for _, h := range m.MerklePath {
		w.bytes32(h)
	}
	return w.buf
}

func DecodeNewExtendedMiningJob(b []byte) (NewExtendedMiningJob, error) {
	r := &reader{buf: b}
	m := NewExtendedMiningJob{ChannelID: r.u32(), JobID: r.u32()}
	m.FutureJob = r.u8() != 0
	m.Version = r.u32()
	m.CoinbasePrefix = r.bytes()
	m.CoinbaseSuffix = r.bytes()
	n := int(r.u16())
	m.MerklePath = make([][32]byte, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		m.MerklePath = append(m.MerklePath, r.bytes32())
	}
	return m, r.err
}

// SetNewPrevHash marks the start of a new block template for a channel.
type SetNewPrevHash struct {
	ChannelID  uint32
	JobID      uint32
	PrevHash   [32]byte
	MinNTime   uint32
	NBits      uint32
}

func (m SetNewPrevHash) Encode() []byte {
	w := &writer{}
	w.u32(m.ChannelID)
	w.u32(m.JobID)
	w.bytes32(m.PrevHash)
	w.u32(m.MinNTime)
	w.u32(m.NBits)
	return w.buf
}

func DecodeSetNewPrevHash(b []byte) (SetNewPrevHash, error) {
	r := &reader{buf: b}
	m := SetNewPrevHash{ChannelID: r.u32(), JobID: r.u32()}
	m.PrevHash = r.bytes32()
	m.MinNTime = r.u32()
	m.NBits = r.u32()
	return m, r.err
}

// SubmitSharesExtended is the translated share forwarded upstream.
type SubmitSharesExtended struct {
	ChannelID      uint32
	SequenceNumber uint32
	JobID          uint32
	Nonce          uint32
	NTime          uint32
	Version        uint32
	Extranonce     []byte
}

func (m SubmitSharesExtended) Encode() []byte {
	w := &writer{}
	w.u32(m.ChannelID)
	w.u32(m.SequenceNumber)
	w.u32(m.JobID)
	w.u32(m.Nonce)
	w.u32(m.NTime)
	w.u32(m.Version)
	w.bytes(m.Extranonce)
	return w.buf
}

func DecodeSubmitSharesExtended(b []byte) (SubmitSharesExtended, error) {
	r := &reader{buf: b}
	m := SubmitSharesExtended{
		ChannelID:      r.u32(),
		SequenceNumber: r.u32(),
		JobID:          r.u32(),
		Nonce:          r.u32(),
		NTime:          r.u32(),
		Version:        r.u32(),
	}
	m.Extranonce = r.bytes()
	return m, r.err
}

// SubmitSharesSuccess acknowledges accepted shares up to a sequence number.
type SubmitSharesSuccess struct {
	ChannelID            uint32
	LastSequenceNumber   uint32
	NewSubmitsAccepted   uint32
}

func (m SubmitSharesSuccess) Encode() []byte {
	w := &writer{}
	w.u32(m.ChannelID)
	w.u32(m.LastSequenceNumber)
	w.u32(m.NewSubmitsAccepted)
	return w.buf
}

func DecodeSubmitSharesSuccess(b []byte) (SubmitSharesSuccess, error) {
	r := &reader{buf: b}
	m := SubmitSharesSuccess{ChannelID: r.u32(), LastSequenceNumber: r.u32(), NewSubmitsAccepted: r.u32()}
	return m, r.err
}

// SubmitSharesError reports a rejected share.
type SubmitSharesError struct {
	ChannelID      uint32
	SequenceNumber uint32
	ErrorCode      string
}

func (m SubmitSharesError) Encode() []byte {
	w := &writer{}
	w.u32(m.ChannelID)
	w.u32(m.SequenceNumber)
	w.bytes([]byte(m.ErrorCode))
	return w.buf
}

func DecodeSubmitSharesError(b []byte) (SubmitSharesError, error) {
	r := &reader{buf: b}
	m := SubmitSharesError{ChannelID: r.u32(), SequenceNumber: r.u32()}
	m.ErrorCode = string(r.bytes())
	return m, r.err
}

// ChannelEndpointChanged signals that a channel's identity/endpoint moved,
// requiring consumers to discard any cached job/extranonce state for it.
type ChannelEndpointChanged struct {
	ChannelID uint32
}

func (m ChannelEndpointChanged) Encode() []byte {
	w := &writer{}
	w.u32(m.ChannelID)
	return w.buf
}

func DecodeChannelEndpointChanged(b []byte) (ChannelEndpointChanged, error) {
	r := &reader{buf: b}
	return ChannelEndpointChanged{ChannelID: r.u32()}, r.err
}

func float64Bits(f float64) uint64  { return math.Float64bits(f) }
func bitsFloat64(b uint64) float64  { return math.Float64frombits(b) }
