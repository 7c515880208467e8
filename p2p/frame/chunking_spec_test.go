package frame_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/catchupnet/conode/p2p/frame"
)

var _ = Describe("chunked encrypted framing", func() {
	var initiator, responder *frame.HandshakeSession

	BeforeEach(func() {
		iKey, err := frame.GenerateStaticKeypair()
		Expect(err).NotTo(HaveOccurred())
		rKey, err := frame.GenerateStaticKeypair()
		Expect(err).NotTo(HaveOccurred())

		initiator, err = frame.NewSession(true, iKey)
		Expect(err).NotTo(HaveOccurred())
		responder, err = frame.NewSession(false, rKey)
		Expect(err).NotTo(HaveOccurred())

		aFrame, err := initiator.WriteHandshakeMessage([]byte(frame.PSK))
		Expect(err).NotTo(HaveOccurred())
		_, err = responder.ReadHandshakeMessage(aFrame[4:])
		Expect(err).NotTo(HaveOccurred())

		bFrame, err := responder.WriteHandshakeMessage([]byte("b"))
		Expect(err).NotTo(HaveOccurred())
		_, err = initiator.ReadHandshakeMessage(bFrame[4:])
		Expect(err).NotTo(HaveOccurred())

		cFrame, err := initiator.WriteHandshakeMessage([]byte("c"))
		Expect(err).NotTo(HaveOccurred())
		_, err = responder.ReadHandshakeMessage(cFrame[4:])
		Expect(err).NotTo(HaveOccurred())
	})

	// Property: for any plaintext length, chunked encrypt/decrypt round
	// trips byte-for-byte regardless of how the payload straddles
	// NoiseMaxPayloadLen-sized chunk boundaries.
	DescribeTable("round trips for any plaintext length",
		func(size int) {
			iOut, _ := initiator.CipherStates()
			rIn, _ := responder.CipherStates()

			plaintext := bytes.Repeat([]byte{0x5A}, size)
			ciphertext, err := frame.EncryptMessage(iOut, plaintext)
			Expect(err).NotTo(HaveOccurred())

			decoded, err := frame.DecryptMessage(rIn, ciphertext[4:])
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded).To(Equal(plaintext))
		},
		Entry("empty", 0),
		Entry("one byte", 1),
		Entry("one chunk minus one", frame.NoiseMaxPayloadLen-1),
		Entry("exactly one chunk", frame.NoiseMaxPayloadLen),
		Entry("one chunk plus one", frame.NoiseMaxPayloadLen+1),
		Entry("two chunks", 2*frame.NoiseMaxPayloadLen),
		Entry("two chunks plus a remainder", 2*frame.NoiseMaxPayloadLen+777),
	)

	It("produces ciphertext no caller can decrypt with the wrong direction's key", func() {
		iOut, iIn := initiator.CipherStates()
		ciphertext, err := frame.EncryptMessage(iOut, []byte("secret"))
		Expect(err).NotTo(HaveOccurred())

		_, err = frame.DecryptMessage(iIn, ciphertext[4:])
		Expect(err).To(HaveOccurred())
	})
})
