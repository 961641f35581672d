package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/smnsjas/agentmux"
)

// ReadFrame reads exactly one frame from r: a 4-byte big-endian length L,
// followed by L bytes whose first byte is the message type and whose
// remaining L-1 bytes are the payload.
//
// A clean EOF on the very first byte of the length prefix returns
// (Frame{}, io.EOF) to signal end of stream. Any other short read on
// the length prefix, a declared length of 0 or greater than MaxFrameSize,
// or a payload that is truncated before its declared end, returns
// ErrMalformedFrame.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:1]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("wire: read frame: %w", ErrMalformedFrame)
	}
	if _, err := io.ReadFull(r, lenBuf[1:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame length: %w", ErrMalformedFrame)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > MaxFrameSize {
		return Frame{}, fmt.Errorf("wire: frame length %d: %w", length, ErrMalformedFrame)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame body: %w", ErrMalformedFrame)
	}

	return Frame{Type: MessageType(body[0]), Payload: body[1:]}, nil
}

// WriteFrame writes a frame (length, type byte, payload) to w and flushes it
// if w implements an explicit Flush method via the flusher interface.
func WriteFrame(w io.Writer, typ MessageType, payload []byte) error {
	length := uint32(len(payload) + 1)
	if length > MaxFrameSize {
		return fmt.Errorf("wire: write frame: payload too large: %w", ErrMalformedFrame)
	}

	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[:4], length)
	buf[4] = byte(typ)
	copy(buf[5:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("wire: flush frame: %w", err)
		}
	}
	return nil
}

type flusher interface {
	Flush() error
}

// readLengthPrefixed reads one length-prefixed byte string from buf,
// returning the string and the remaining bytes. It fails with
// ErrMalformedFrame if the declared length exceeds the remaining bytes.
func readLengthPrefixed(buf []byte) (value, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, ErrMalformedFrame
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(n) > uint64(len(buf)) {
		return nil, nil, ErrMalformedFrame
	}
	return buf[:n], buf[n:], nil
}

func appendLengthPrefixed(dst []byte, value []byte) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(value)))
	dst = append(dst, n[:]...)
	return append(dst, value...)
}

// ParseSignRequest decodes a sign-request payload: two length-prefixed byte
// strings (key blob and data) followed by a trailing 4-byte flags word. If
// the flags word is absent because the payload ends exactly after data,
// flags defaults to 0.
func ParseSignRequest(payload []byte) (keyBlob, data []byte, flags uint32, err error) {
	keyBlob, rest, err := readLengthPrefixed(payload)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("wire: parse sign request key blob: %w", err)
	}
	data, rest, err = readLengthPrefixed(rest)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("wire: parse sign request data: %w", err)
	}
	if len(rest) == 0 {
		return keyBlob, data, 0, nil
	}
	if len(rest) != 4 {
		return nil, nil, 0, fmt.Errorf("wire: parse sign request flags: %w", ErrMalformedFrame)
	}
	flags = binary.BigEndian.Uint32(rest)
	return keyBlob, data, flags, nil
}

// EncodeSignRequest is the inverse of ParseSignRequest, used by
// backendclient to construct outgoing sign-request payloads.
func EncodeSignRequest(keyBlob, data []byte, flags uint32) []byte {
	buf := appendLengthPrefixed(nil, keyBlob)
	buf = appendLengthPrefixed(buf, data)
	var f [4]byte
	binary.BigEndian.PutUint32(f[:], flags)
	return append(buf, f[:]...)
}

// ParseIdentitiesAnswer decodes an identities-answer payload: a 4-byte count
// N followed by N (key blob, comment) pairs, each length-prefixed. N greater
// than MaxIdentities fails with ErrMalformedFrame. Comments are UTF-8.
func ParseIdentitiesAnswer(payload []byte) ([]agentmux.Identity, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("wire: parse identities answer count: %w", ErrMalformedFrame)
	}
	count := binary.BigEndian.Uint32(payload[:4])
	if count > MaxIdentities {
		return nil, fmt.Errorf("wire: identities answer count %d: %w", count, ErrMalformedFrame)
	}
	rest := payload[4:]

	identities := make([]agentmux.Identity, 0, count)
	for i := uint32(0); i < count; i++ {
		var blob, comment []byte
		var err error
		blob, rest, err = readLengthPrefixed(rest)
		if err != nil {
			return nil, fmt.Errorf("wire: parse identities answer blob %d: %w", i, err)
		}
		comment, rest, err = readLengthPrefixed(rest)
		if err != nil {
			return nil, fmt.Errorf("wire: parse identities answer comment %d: %w", i, err)
		}
		identities = append(identities, agentmux.Identity{Blob: blob, Comment: string(comment)})
	}
	return identities, nil
}

// EncodeIdentitiesAnswer is the inverse of ParseIdentitiesAnswer.
func EncodeIdentitiesAnswer(identities []agentmux.Identity) []byte {
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(identities)))
	buf := append([]byte{}, count[:]...)
	for _, id := range identities {
		buf = appendLengthPrefixed(buf, id.Blob)
		buf = appendLengthPrefixed(buf, []byte(id.Comment))
	}
	return buf
}

// EncodeSignResponse wraps a signature as a length-prefixed byte string, the
// sole content of a sign-response payload.
func EncodeSignResponse(signature []byte) []byte {
	return appendLengthPrefixed(nil, signature)
}

// ParseSignResponse is the inverse of EncodeSignResponse.
func ParseSignResponse(payload []byte) (signature []byte, err error) {
	signature, _, err = readLengthPrefixed(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: parse sign response: %w", err)
	}
	return signature, nil
}
