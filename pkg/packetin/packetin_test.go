package packetin

import (
	"net"
	"testing"

	. "github.com/onsi/gomega"
)

func TestExtractEthSrc(t *testing.T) {
	RegisterTestingT(t)

	frame := make([]byte, 14)
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})

	mac, err := extractEthSrc(frame)
	Expect(err).NotTo(HaveOccurred())
	Expect(mac).To(Equal(net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}))
}

func TestExtractEthSrcTooShort(t *testing.T) {
	RegisterTestingT(t)

	_, err := extractEthSrc([]byte{1, 2, 3})
	Expect(err).To(HaveOccurred())
}
