// Package eventstream decodes the binary event-stream framing used by the
// upstream Kiro endpoint. Frames carry JSON payloads; content deltas and
// tool-use deltas arrive as independent frames.
package eventstream

import (
	"encoding/binary"

	"github.com/tidwall/gjson"
)

const (
	// preludeLen covers total length, headers length and the prelude CRC.
	preludeLen = 12

	// minFrameLen is the smallest legal frame: prelude plus trailing CRC.
	minFrameLen = 16

	// maxFrameLen guards against corrupt length words; anything larger is
	// treated as a bad prelude rather than buffered indefinitely.
	maxFrameLen = 1 << 24
)

// Decoder incrementally parses an event-stream byte sequence.
//
// Frame layout: 4-byte big-endian total length, 4-byte big-endian headers
// length, 4-byte prelude CRC (ignored), headers (ignored), payload of
// total-16-headers bytes, 4-byte trailing CRC (ignored).
//
// The zero value is ready to use. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns the payloads of all
// frames completed by it, in stream order. Partial trailing frames are
// retained for the next call, so each payload is emitted exactly once. A
// malformed frame advances the scan by a single byte to resynchronise; the
// stream is never aborted.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var payloads [][]byte
	pos := 0
	for {
		remaining := len(d.buf) - pos
		if remaining < preludeLen {
			break
		}
		total := int(binary.BigEndian.Uint32(d.buf[pos:]))
		headersLen := int(binary.BigEndian.Uint32(d.buf[pos+4:]))
		if total < minFrameLen || total > maxFrameLen || headersLen > total-minFrameLen {
			pos++
			continue
		}
		if remaining < total {
			// Partial frame; wait for more bytes.
			break
		}
		payloadStart := pos + preludeLen + headersLen
		payloadEnd := pos + total - 4
		payload := d.buf[payloadStart:payloadEnd]
		if len(payload) == 0 {
			pos += total
			continue
		}
		if !gjson.ValidBytes(payload) {
			// The length words happened to look sane but the payload is not
			// JSON; assume a corrupt prelude and resync byte-wise.
			pos++
			continue
		}
		payloads = append(payloads, append([]byte(nil), payload...))
		pos += total
	}

	if pos > 0 {
		n := copy(d.buf, d.buf[pos:])
		d.buf = d.buf[:n]
	}
	return payloads
}

// Buffered reports how many bytes are retained while waiting for a frame to
// complete.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
