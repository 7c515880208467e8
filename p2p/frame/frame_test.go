package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handshakePair(t *testing.T) (initiator, responder *HandshakeSession) {
	t.Helper()
	iKey, err := GenerateStaticKeypair()
	require.NoError(t, err)
	rKey, err := GenerateStaticKeypair()
	require.NoError(t, err)

	initiator, err = NewSession(true, iKey)
	require.NoError(t, err)
	responder, err = NewSession(false, rKey)
	require.NoError(t, err)
	return initiator, responder
}

// runXX drives the three noise XX messages between an in-memory
// initiator/responder pair without touching a real socket.
func runXX(t *testing.T, initiator, responder *HandshakeSession, aPayload, bPayload, cPayload []byte) {
	t.Helper()

	aFrame, err := initiator.WriteHandshakeMessage(aPayload)
	require.NoError(t, err)
	gotA, err := responder.ReadHandshakeMessage(stripLengthPrefix(aFrame))
	require.NoError(t, err)
	assert.Equal(t, aPayload, gotA)

	bFrame, err := responder.WriteHandshakeMessage(bPayload)
	require.NoError(t, err)
	gotB, err := initiator.ReadHandshakeMessage(stripLengthPrefix(bFrame))
	require.NoError(t, err)
	assert.Equal(t, bPayload, gotB)

	cFrame, err := initiator.WriteHandshakeMessage(cPayload)
	require.NoError(t, err)
	gotC, err := responder.ReadHandshakeMessage(stripLengthPrefix(cFrame))
	require.NoError(t, err)
	assert.Equal(t, cPayload, gotC)
}

func stripLengthPrefix(frame []byte) []byte {
	return frame[lengthPrefixSize:]
}

func TestHandshakeCompletesAndYieldsOrientedCipherStates(t *testing.T) {
	initiator, responder := handshakePair(t)
	assert.False(t, initiator.IsPostHandshake())
	assert.False(t, responder.IsPostHandshake())

	runXX(t, initiator, responder, []byte(PSK), []byte("hello-from-responder"), []byte("hello-from-initiator"))

	assert.True(t, initiator.IsPostHandshake())
	assert.True(t, responder.IsPostHandshake())

	iOut, iIn := initiator.CipherStates()
	rIn, rOut := responder.CipherStates()
	require.NotNil(t, iOut)
	require.NotNil(t, rOut)

	// Both sides get (initiator->responder, responder->initiator): the
	// initiator sends on cs1 and the responder receives on its cs1; the
	// responder sends on cs2 and the initiator receives on its cs2.
	ciphertext, err := EncryptMessage(iOut, []byte("ping"))
	require.NoError(t, err)
	plaintext, err := DecryptMessage(rIn, ciphertext[lengthPrefixSize:])
	require.NoError(t, err)
	assert.Equal(t, "ping", string(plaintext))

	ciphertext, err = EncryptMessage(rOut, []byte("pong"))
	require.NoError(t, err)
	plaintext, err = DecryptMessage(iIn, ciphertext[lengthPrefixSize:])
	require.NoError(t, err)
	assert.Equal(t, "pong", string(plaintext))
}

func TestIsPostHandshakeFalseBeforeMessageC(t *testing.T) {
	initiator, responder := handshakePair(t)

	aFrame, err := initiator.WriteHandshakeMessage([]byte(PSK))
	require.NoError(t, err)
	_, err = responder.ReadHandshakeMessage(stripLengthPrefix(aFrame))
	require.NoError(t, err)
	assert.False(t, initiator.IsPostHandshake())
	assert.False(t, responder.IsPostHandshake())

	bFrame, err := responder.WriteHandshakeMessage([]byte("b"))
	require.NoError(t, err)
	_, err = initiator.ReadHandshakeMessage(stripLengthPrefix(bFrame))
	require.NoError(t, err)

	// The responder has just written message B: its cipher states are
	// not yet available (XX only splits after message C).
	assert.False(t, responder.IsPostHandshake())
	// The initiator has read message B but not yet written C.
	assert.False(t, initiator.IsPostHandshake())
}

func TestEncryptDecryptMultiChunkMessage(t *testing.T) {
	initiator, responder := handshakePair(t)
	runXX(t, initiator, responder, []byte(PSK), []byte("b"), []byte("c"))

	iOut, _ := initiator.CipherStates()
	rIn, _ := responder.CipherStates()

	large := bytes.Repeat([]byte{0xAB}, NoiseMaxPayloadLen*2+100)
	ciphertext, err := EncryptMessage(iOut, large)
	require.NoError(t, err)

	plaintext, err := DecryptMessage(rIn, ciphertext[lengthPrefixSize:])
	require.NoError(t, err)
	assert.Equal(t, large, plaintext)
}

func TestReadLengthPrefixRejectsZeroAndOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	_, err := ReadLengthPrefix(&buf, 1024)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrOversizedFrame))

	buf.Reset()
	buf.Write([]byte{0, 0, 4, 0}) // 1024
	_, err = ReadLengthPrefix(&buf, 1024)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrOversizedFrame))
}

func TestSizeLimitDiffersPreAndPostHandshake(t *testing.T) {
	assert.Equal(t, uint32(HandshakeSizeLimit), SizeLimit(false))
	assert.Equal(t, uint32(ProtocolMaxMessageSize), SizeLimit(true))
}
