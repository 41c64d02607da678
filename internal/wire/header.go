// Package wire encodes and decodes the relay datagram header: a 2-byte
// network-order sequence number, optionally followed (in debug builds)
// by two more 2-byte fields used only for diagnostics.
package wire

import (
	"encoding/binary"

	"github.com/ehrlich-b/udprelayd/internal/constants"
)

// HeaderSize is the production wire header size, in bytes.
const HeaderSize = constants.HeaderSize

// debugHeaderSize is the header size written when debug fields are
// requested: seq + pkt_num + pkts_in_series, 2 bytes each.
const debugHeaderSize = HeaderSize + 4

// Header is the decoded form of a relay datagram's wire header.
type Header struct {
	Seq uint16

	// Debug fields, as written by EncodeDebug/WrapDebug. No decoder in
	// this package fills them in; Decode reads only Seq.
	PktNum       uint16
	PktsInSeries uint16
}

// Encode returns the production header (2 bytes) for seq.
func Encode(seq uint16) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf, seq)
	return buf
}

// EncodeDebug returns the debug-build header (6 bytes): seq, pktNum,
// pktsInSeries, each big-endian.
func EncodeDebug(seq, pktNum, pktsInSeries uint16) []byte {
	buf := make([]byte, debugHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], seq)
	binary.BigEndian.PutUint16(buf[2:4], pktNum)
	binary.BigEndian.PutUint16(buf[4:6], pktsInSeries)
	return buf
}

// Wrap builds a full relay datagram: header followed by payload. The
// returned slice is a fresh allocation; payload is not retained.
func Wrap(seq uint16, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:HeaderSize], seq)
	copy(out[HeaderSize:], payload)
	return out
}

// WrapDebug is Wrap with the additional debug fields appended to the
// header.
func WrapDebug(seq, pktNum, pktsInSeries uint16, payload []byte) []byte {
	out := make([]byte, debugHeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:2], seq)
	binary.BigEndian.PutUint16(out[2:4], pktNum)
	binary.BigEndian.PutUint16(out[4:6], pktsInSeries)
	copy(out[debugHeaderSize:], payload)
	return out
}

// DecodeSeq decodes the leading sequence number from a relay datagram.
// The caller must ensure len(buf) >= HeaderSize.
func DecodeSeq(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf[0:HeaderSize])
}

// Strip returns the payload with the production header removed. The
// caller must ensure len(buf) >= HeaderSize.
func Strip(buf []byte) []byte {
	return buf[HeaderSize:]
}

// Decode splits a relay datagram into its sequence number and payload.
// It reports ok=false if buf is shorter than HeaderSize (malformed).
func Decode(buf []byte) (seq uint16, payload []byte, ok bool) {
	if len(buf) < HeaderSize {
		return 0, nil, false
	}
	return DecodeSeq(buf), Strip(buf), true
}
