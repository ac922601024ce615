package switchmanager

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestRoundCookieAllocatorTagsAndMasks(t *testing.T) {
	RegisterTestingT(t)

	r := NewRoundCookieAllocator(3)
	Expect(r.CurRound()).To(BeEquivalentTo(4))

	cookie := r.Cookie(0xABCD)
	value, mask := r.CurRoundMask()
	Expect(cookie & mask).To(Equal(value))

	prevValue, prevMask := r.PrevRoundMask()
	Expect(prevMask).To(Equal(mask))
	Expect(cookie & prevMask).NotTo(Equal(prevValue))
}

func TestRoundCookieAllocatorWrapsRoundSpace(t *testing.T) {
	RegisterTestingT(t)

	r := NewRoundCookieAllocator(roundMask(defaultRoundBits))
	Expect(r.CurRound()).To(BeEquivalentTo(0))
}
