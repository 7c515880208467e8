// Package frame implements the noise XX handshake state machine and the
// length-prefixed, chunked authenticated-encryption framing that rides
// on top of it (spec.md §4.1, C1/C2).
//
// Frame layout on the wire: a 4-byte big-endian length N, then exactly N
// bytes. Before the handshake completes, those N bytes are a single
// noise handshake message. After the handshake completes, they are one
// or more noise ciphertext chunks concatenated back to back, each at
// most NoiseMaxMessageLen bytes, reconstructed by the receiver purely
// from the declared total length.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/catchupnet/conode/log"
)

var logger = log.NewModuleLogger(log.P2PFrame)

// ErrOversizedFrame is returned by ReadLengthPrefix when a peer declares
// a frame length of zero or one at or above the caller's limit.
var ErrOversizedFrame = fmt.Errorf("frame: declared length out of bounds")

const (
	// NoiseMaxMessageLen is the largest single noise transport message,
	// dictated by the 16-bit length field of the underlying noise
	// protocol framing (flynn/noise caps ciphertexts at this size).
	NoiseMaxMessageLen = 65535
	// MACLen is the length of the Poly1305 authentication tag appended
	// to every noise ciphertext.
	MACLen = 16
	// NoiseMaxPayloadLen is the largest plaintext chunk that still fits
	// in one NoiseMaxMessageLen ciphertext once the MAC is added.
	NoiseMaxPayloadLen = NoiseMaxMessageLen - MACLen
	// HandshakeSizeLimit bounds any frame received before the noise
	// handshake has completed; anything declaring this length or a
	// larger one is fatal to the connection.
	HandshakeSizeLimit = 1024
	// ProtocolMaxMessageSize bounds any post-handshake frame.
	ProtocolMaxMessageSize = 20 * 1024 * 1024
	// Prologue binds the handshake transcript to this protocol.
	Prologue = "CP2P"
	// PSK is not really a pre-shared key, but serves a PSK-like
	// function: the initiator proves it speaks this protocol by
	// including this exact 64-character hex string in message A's
	// payload; the responder rejects anything else.
	PSK = "b6461bd246843f70ac1328401405b2b4e725994d7d144a75bff1a04a247d64b7"

	lengthPrefixSize = 4
)

// CipherSuite is Noise_XX_25519_ChaChaPoly_BLAKE2s, the suite used for
// every handshake in this module.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// GenerateStaticKeypair returns a fresh X25519 static keypair for use as
// a connection's noise identity.
func GenerateStaticKeypair() (noise.DHKey, error) {
	return CipherSuite.GenerateKeypair(nil)
}

// HandshakeSession wraps a noise XX HandshakeState, counts the handshake
// messages processed, and keeps the transport cipher states, which both
// sides obtain only with the third XX message (the initiator on writing
// it, the responder on reading it).
type HandshakeSession struct {
	hs          *noise.HandshakeState
	initiator   bool
	messageCount int
	cs1, cs2    *noise.CipherState
}

// NewSession starts a fresh noise XX handshake state machine.
func NewSession(initiator bool, staticKey noise.DHKey) (*HandshakeSession, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   CipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticKey,
		Prologue:      []byte(Prologue),
	})
	if err != nil {
		return nil, fmt.Errorf("frame: init noise session: %w", err)
	}
	return &HandshakeSession{hs: hs, initiator: initiator}, nil
}

// IsInitiator reports whether this session initiated the connection.
func (s *HandshakeSession) IsInitiator() bool { return s.initiator }

// IsPostHandshake reports whether all three XX messages have completed
// and transport cipher states are available. This is driven by cs1
// becoming non-nil rather than by messageCount alone: for the
// initiator that happens only after writing message C, not after
// reading message B.
func (s *HandshakeSession) IsPostHandshake() bool {
	return s.cs1 != nil
}

// MessageCount returns how many handshake messages have been processed
// (sent or received) on this session so far.
func (s *HandshakeSession) MessageCount() int { return s.messageCount }

// WriteHandshakeMessage produces the next outbound handshake message
// carrying payload, and returns the wire-ready frame (length prefix +
// ciphertext). Once the third XX message has been written, the
// returned cipher states become available via CipherStates.
func (s *HandshakeSession) WriteHandshakeMessage(payload []byte) ([]byte, error) {
	msg, cs1, cs2, err := s.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("frame: write handshake message: %w", err)
	}
	s.messageCount++
	if cs1 != nil {
		s.cs1, s.cs2 = cs1, cs2
	}
	return frameBytes(msg), nil
}

// ReadHandshakeMessage consumes body (the frame's content, already
// stripped of its length prefix) as the next inbound handshake message
// and returns its payload.
func (s *HandshakeSession) ReadHandshakeMessage(body []byte) ([]byte, error) {
	payload, cs1, cs2, err := s.hs.ReadMessage(nil, body)
	if err != nil {
		return nil, fmt.Errorf("frame: read handshake message: %w", err)
	}
	s.messageCount++
	if cs1 != nil {
		s.cs1, s.cs2 = cs1, cs2
	}
	return payload, nil
}

// CipherStates returns the pair of transport cipher states established
// once the handshake completes: (initiator->responder, responder->initiator).
func (s *HandshakeSession) CipherStates() (cs1, cs2 *noise.CipherState) {
	return s.cs1, s.cs2
}

func frameBytes(body []byte) []byte {
	out := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out
}

// SizeLimit returns the maximum acceptable declared frame length given
// whether the connection is still mid-handshake.
func SizeLimit(postHandshake bool) uint32 {
	if postHandshake {
		return ProtocolMaxMessageSize
	}
	return HandshakeSizeLimit
}

// ReadLengthPrefix reads and validates a 4-byte big-endian frame length
// against limit. A declared length of zero, or one at or above limit,
// is fatal to the connection.
func ReadLengthPrefix(r io.Reader, limit uint32) (uint32, error) {
	var lb [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(lb[:])
	if n == 0 {
		return 0, fmt.Errorf("%w: zero-sized message", ErrOversizedFrame)
	}
	if n >= limit {
		return 0, fmt.Errorf("%w: declared size %d exceeds limit %d", ErrOversizedFrame, n, limit)
	}
	return n, nil
}

// EncryptMessage chunks plaintext into pieces of at most
// NoiseMaxPayloadLen, seals each with cs, and returns the full wire
// frame: a 4-byte length prefix (the total ciphertext length) followed
// by the concatenated chunks.
func EncryptMessage(cs *noise.CipherState, plaintext []byte) ([]byte, error) {
	numFullChunks := len(plaintext) / NoiseMaxPayloadLen
	rem := len(plaintext) % NoiseMaxPayloadLen
	lastChunkLen := 0
	if rem != 0 {
		lastChunkLen = rem + MACLen
	}
	fullLen := numFullChunks*NoiseMaxMessageLen + lastChunkLen

	out := make([]byte, lengthPrefixSize, lengthPrefixSize+fullLen)
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(fullLen))

	for off := 0; off < len(plaintext); {
		end := off + NoiseMaxPayloadLen
		if end > len(plaintext) {
			end = len(plaintext)
		}
		chunk := plaintext[off:end]
		sealed, err := cs.Encrypt(nil, nil, chunk)
		if err != nil {
			return nil, fmt.Errorf("frame: encrypt chunk: %w", err)
		}
		out = append(out, sealed...)
		off = end
	}
	return out, nil
}

// DecryptMessage reverses EncryptMessage: ciphertext is the frame body
// (already stripped of its length prefix); chunk boundaries are
// reconstructed purely from its total length, exactly as the sender
// computed them.
func DecryptMessage(cs *noise.CipherState, ciphertext []byte) ([]byte, error) {
	total := len(ciphertext)
	numFullChunks := total / NoiseMaxMessageLen
	lastChunkSize := total % NoiseMaxMessageLen
	numAllChunks := numFullChunks
	if lastChunkSize > 0 {
		numAllChunks++
	}

	plaintext := make([]byte, 0, total-numAllChunks*MACLen)
	off := 0
	for i := 0; i < numAllChunks; i++ {
		end := off + NoiseMaxMessageLen
		if end > total {
			end = total
		}
		chunk := ciphertext[off:end]
		if len(chunk) < MACLen {
			return nil, fmt.Errorf("frame: chunk %d shorter than MAC", i)
		}
		opened, err := cs.Decrypt(nil, nil, chunk)
		if err != nil {
			return nil, fmt.Errorf("frame: decrypt chunk %d: %w", i, err)
		}
		plaintext = append(plaintext, opened...)
		off = end
	}
	return plaintext, nil
}
