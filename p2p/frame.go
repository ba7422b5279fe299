package p2p

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"lukechampine.com/blake3"
)

const (
	// FrameHeaderSize is [v0 v1 v2 code][size uint32 LE].
	FrameHeaderSize = 8
	// MACSize is the length of the trailer appended to authenticated frames.
	MACSize = 8

	DefaultMaxMessageSize uint32 = 4 << 20
)

// ProtocolVersion is matched byte for byte against every inbound header.
var ProtocolVersion = [3]byte{'M', 'w', 1}

type frameHeader struct {
	Code MsgCode
	Size uint32
}

func (h frameHeader) put(b []byte) {
	copy(b[:3], ProtocolVersion[:])
	b[3] = byte(h.Code)
	binary.LittleEndian.PutUint32(b[4:8], h.Size)
}

func parseFrameHeader(b []byte, maxSize uint32) (frameHeader, error) {
	h := frameHeader{Code: MsgCode(b[3]), Size: binary.LittleEndian.Uint32(b[4:8])}
	if b[0] != ProtocolVersion[0] || b[1] != ProtocolVersion[1] || b[2] != ProtocolVersion[2] {
		return h, Violationf(h.Code, "%w: %x", ErrVersionMismatch, b[:3])
	}
	if !h.Code.Known() {
		return h, Violation(h.Code, ErrUnknownCode)
	}
	if h.Size > maxSize+MACSize {
		return h, Violationf(h.Code, "%w (%d bytes)", ErrMessageTooLarge, h.Size)
	}
	return h, nil
}

// cipherState protects one direction of a channel. The stream cipher runs
// continuously across frames; the MAC is recomputed per frame from the key.
type cipherState struct {
	stream *chacha20.Cipher
	macKey []byte
}

func newCipherState(key, iv, macKey []byte) (*cipherState, error) {
	stream, err := chacha20.NewUnauthenticatedCipher(key, iv)
	if err != nil {
		return nil, fmt.Errorf("init stream cipher: %w", err)
	}
	return &cipherState{stream: stream, macKey: macKey}, nil
}

func (c *cipherState) mac(header, payload []byte) []byte {
	h := blake3.New(MACSize, c.macKey)
	h.Write(header)
	h.Write(payload)
	return h.Sum(nil)
}

// sealFrame builds a frame. When out is set the frame gets a MAC trailer and
// the whole buffer is encrypted. Payloads above maxSize are refused.
func sealFrame(out *cipherState, code MsgCode, payload []byte, maxSize uint32) ([]byte, error) {
	if err := checkPayloadSize(code, len(payload), maxSize); err != nil {
		return nil, err
	}
	size := len(payload)
	if out != nil {
		size += MACSize
	}
	buf := make([]byte, FrameHeaderSize+size)
	frameHeader{Code: code, Size: uint32(size)}.put(buf)
	copy(buf[FrameHeaderSize:], payload)
	if out != nil {
		body := buf[:FrameHeaderSize+len(payload)]
		copy(buf[len(body):], out.mac(body[:FrameHeaderSize], body[FrameHeaderSize:]))
		out.stream.XORKeyStream(buf, buf)
	}
	return buf, nil
}

func checkPayloadSize(code MsgCode, n int, maxSize uint32) error {
	if uint64(n) > uint64(maxSize) {
		return fmt.Errorf("%w: %s payload of %d bytes", ErrMessageTooLarge, code, n)
	}
	return nil
}

// frameReader decodes frames from a stream. It is owned by a single reader
// goroutine, including the inbound cipher it switches to.
type frameReader struct {
	r       io.Reader
	maxSize uint32
	in      *cipherState
	hdr     [FrameHeaderSize]byte
}

// readFrame returns the code and payload of the next frame. Transport errors
// are returned as is; everything else is a ProtocolError.
func (fr *frameReader) readFrame() (MsgCode, []byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return 0, nil, err
	}
	if fr.in != nil {
		fr.in.stream.XORKeyStream(fr.hdr[:], fr.hdr[:])
	}
	h, err := parseFrameHeader(fr.hdr[:], fr.maxSize)
	if err != nil {
		return 0, nil, err
	}
	if fr.in != nil && h.Size < MACSize {
		return 0, nil, Violationf(h.Code, "%w: frame shorter than mac", ErrBadMAC)
	}
	body := make([]byte, h.Size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	if fr.in == nil {
		return h.Code, body, nil
	}
	fr.in.stream.XORKeyStream(body, body)
	payload, trailer := body[:len(body)-MACSize], body[len(body)-MACSize:]
	if subtle.ConstantTimeCompare(fr.in.mac(fr.hdr[:], payload), trailer) != 1 {
		return 0, nil, Violation(h.Code, ErrBadMAC)
	}
	return h.Code, payload, nil
}
