// Package v1proto implements the V1 (legacy) Stratum JSON-RPC line protocol:
// message framing, method constants, constructors, and the small set of
// numeric helpers (compact-bits to difficulty, URL parsing) the rest of the
// proxy needs when talking to V1 miners.
package v1proto

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net"
	"strconv"
	"strings"
	"time"
)

// MaxLineBytes is the hard cap on a single V1 frame; longer lines are a
// protocol error (line framing tolerates \n and \r\n, rejects anything over
// this size).
const MaxLineBytes = 16 * 1024

// Message represents a Stratum V1 JSON-RPC line message.
type Message struct {
	ID     *int64      `json:"id,omitempty"`
	Method string      `json:"method,omitempty"`
	Params interface{} `json:"params,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  interface{} `json:"error,omitempty"`
}

// Method name constants.
const (
	MethodConfigure            = "mining.configure"
	MethodSubscribe            = "mining.subscribe"
	MethodAuthorize            = "mining.authorize"
	MethodSubmit               = "mining.submit"
	MethodExtranonceSubscribe  = "mining.extranonce.subscribe"
	MethodNotify               = "mining.notify"
	MethodSetDifficulty        = "mining.set_difficulty"
	MethodSetExtranonce        = "mining.set_extranonce"
)

// Rejection taxonomy for mining.submit failures.
const (
	RejectJobIDNotFound     = "JobIdNotFound"
	RejectInvalidJobIDFmt   = "InvalidJobIdFormat"
	RejectDifficultyMismatch = "DifficultyMismatch"
	RejectInvalidShare      = "InvalidShare"
)

// ExtranonceInfo carries the parsed result of a mining.subscribe reply.
type ExtranonceInfo struct {
	Extranonce1     string
	Extranonce2Size int
	Valid           bool
}

// ParseExtranonceResult extracts extranonce information from a subscribe
// response, regardless of whether it arrived as the canonical 3-tuple array
// or as a map (some miners/pools send either shape).
func ParseExtranonceResult(res interface{}) ExtranonceInfo {
	switch v := res.(type) {
	case []interface{}:
		if len(v) < 3 {
			return ExtranonceInfo{}
		}
		ex1, ok1 := v[1].(string)
		ex2, ok2 := ParseExtranonceSize(v[2])
		if !ok1 || !ok2 {
			return ExtranonceInfo{}
		}
		return ExtranonceInfo{Extranonce1: ex1, Extranonce2Size: ex2, Valid: ex1 != "" && ex2 > 0}
	case map[string]interface{}:
		ex1Raw, ok1 := v["extranonce1"]
		ex2Raw, ok2 := v["extranonce2_size"]
		if !ok1 || !ok2 {
			return ExtranonceInfo{}
		}
		ex1, ok1 := ex1Raw.(string)
		ex2, ok2 := ParseExtranonceSize(ex2Raw)
		if !ok1 || !ok2 {
			return ExtranonceInfo{}
		}
		return ExtranonceInfo{Extranonce1: ex1, Extranonce2Size: ex2, Valid: ex1 != "" && ex2 > 0}
	default:
		return ExtranonceInfo{}
	}
}

// ParseExtranonceSize parses an extranonce2 size from either a JSON number
// or a numeric string.
func ParseExtranonceSize(v interface{}) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), int(t) > 0
	case string:
		if t == "" {
			return 0, false
		}
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, n > 0
	default:
		return 0, false
	}
}

// FormatDuration formats a duration for logging, returning "-" for
// non-positive values.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

// DiffFromBits converts a compact "nbits" hex string to decimal difficulty.
//
// nbits packs a 256-bit target as exponent<<24 | mantissa, where exponent
// counts bytes from the right; difficulty-1's target uses exponent 0x1d and
// mantissa 0xFFFF.
func DiffFromBits(bits string) float64 {
	bits = strings.TrimPrefix(bits, "0x")
	if bits == "" {
		return 0
	}
	val, err := strconv.ParseUint(bits, 16, 32)
	if err != nil {
		return 0
	}
	exponent := byte(val >> 24)
	mantissa := val & 0xFFFFFF
	if mantissa == 0 || exponent <= 3 {
		return 0
	}
	target := new(big.Int).Lsh(big.NewInt(int64(mantissa)), uint(8*(int(exponent)-3)))
	if target.Sign() <= 0 {
		return 0
	}
	diffOne := new(big.Int).Lsh(big.NewInt(0xFFFF), uint(8*(0x1d-3)))
	t := new(big.Float).SetInt(target)
	d := new(big.Float).SetInt(diffOne)
	res := new(big.Float).Quo(d, t)
	out, _ := res.Float64()
	return out
}

// DiffToTarget converts a share difficulty to its 256-bit big-endian target,
// the inverse of DiffFromBits: target = diffOneTarget / difficulty, clamped
// to the all-0xff maximum target when difficulty is non-positive or too
// small to keep the quotient inside 32 bytes.
func DiffToTarget(difficulty float64) [32]byte {
	var out [32]byte
	if difficulty <= 0 {
		for i := range out {
			out[i] = 0xff
		}
		return out
	}

	diffOne := new(big.Int).Lsh(big.NewInt(0xFFFF), uint(8*(0x1d-3)))
	quot := new(big.Float).Quo(new(big.Float).SetInt(diffOne), big.NewFloat(difficulty))
	target, _ := quot.Int(nil)
	if target.Sign() <= 0 {
		return out
	}

	b := target.Bytes()
	if len(b) > 32 {
		for i := range out {
			out[i] = 0xff
		}
		return out
	}
	copy(out[32-len(b):], b)
	return out
}

// CopyID creates a deep copy of an int64 pointer, used whenever a request id
// must be remapped without aliasing the caller's value.
func CopyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	dup := new(int64)
	*dup = *id
	return dup
}

// ParseURL splits a stratum+tcp://host:port or bare host:port into its
// components, defaulting the port to 3333 when absent.
func ParseURL(url string, host *string, port *int) {
	url = strings.TrimPrefix(url, "stratum+tcp://")

	h, p, err := net.SplitHostPort(url)
	if err != nil {
		h = url
		p = "3333"
	}

	*host = h
	if pr, err := strconv.Atoi(p); err == nil {
		*port = pr
	}
}

// NewConfigureResponse builds the VersionRollingParams reply to
// mining.configure.
func NewConfigureResponse(id *int64, mask uint32, minBits int) Message {
	return Message{
		ID: id,
		Result: map[string]interface{}{
			"version-rolling":                true,
			"version-rolling.mask":           strconv.FormatUint(uint64(mask), 16),
			"version-rolling.min-bit-count":  minBits,
			"version-rolling.mask.mandatory": false,
		},
	}
}

// NewSubscribeResponse builds the two-subscription-tuple plus
// (extranonce1, extranonce2_len) reply to mining.subscribe.
func NewSubscribeResponse(id *int64, setDiffSubID, notifySubID, extranonce1 string, extranonce2Len int) Message {
	return Message{
		ID: id,
		Result: []interface{}{
			[]interface{}{
				[]interface{}{MethodSetDifficulty, setDiffSubID},
				[]interface{}{MethodNotify, notifySubID},
			},
			extranonce1,
			extranonce2Len,
		},
	}
}

// NewSetDifficultyMessage creates a mining.set_difficulty notification.
func NewSetDifficultyMessage(difficulty float64) Message {
	return Message{Method: MethodSetDifficulty, Params: []interface{}{difficulty}}
}

// NewSetExtranonceMessage creates a mining.set_extranonce notification.
func NewSetExtranonceMessage(extranonce1 string, extranonce2Len int) Message {
	return Message{Method: MethodSetExtranonce, Params: []interface{}{extranonce1, extranonce2Len}}
}

// NewNotifyMessage creates a mining.notify notification.
func NewNotifyMessage(jobID, prevHash, coinbase1, coinbase2 string, merkleBranch []string, version, nBits, nTime string, cleanJobs bool) Message {
	return Message{
		Method: MethodNotify,
		Params: []interface{}{jobID, prevHash, coinbase1, coinbase2, merkleBranch, version, nBits, nTime, cleanJobs},
	}
}

// NewErrorResponse creates a JSON-RPC error response.
func NewErrorResponse(id *int64, code int, message string, details interface{}) Message {
	return Message{ID: id, Error: []interface{}{code, message, details}}
}

// NewSuccessResponse creates a JSON-RPC success response.
func NewSuccessResponse(id *int64, result interface{}) Message {
	return Message{ID: id, Result: result}
}

// IsNotification returns true if the message carries no id (server push).
func (m *Message) IsNotification() bool { return m.ID == nil && m.Method != "" }

// IsRequest returns true if the message is a client request (has id and method).
func (m *Message) IsRequest() bool { return m.ID != nil && m.Method != "" }

// IsResponse returns true if the message is a response (has id, no method).
func (m *Message) IsResponse() bool { return m.ID != nil && m.Method == "" }

// Marshal renders the message as a single newline-terminated JSON line.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a single line (with or without trailing newline) into m.
func (m *Message) Unmarshal(data []byte) error {
	data = bytes.TrimRight(data, "\r\n")
	return json.Unmarshal(data, m)
}
