package advert

import (
	"net"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

type recordingSender struct {
	mu    sync.Mutex
	arps  int
	nas   int
}

func (s *recordingSender) SendGratuitousARP(ifaceName string, mac net.HardwareAddr, ip net.IP) error {
	s.mu.Lock()
	s.arps++
	s.mu.Unlock()
	return nil
}
func (s *recordingSender) SendGratuitousRARP(ifaceName string, mac net.HardwareAddr) error { return nil }
func (s *recordingSender) SendNeighborAdvertisement(ifaceName string, mac net.HardwareAddr, ip net.IP) error {
	s.mu.Lock()
	s.nas++
	s.mu.Unlock()
	return nil
}
func (s *recordingSender) SendRouterAdvertisement(ifaceName string, routerMAC net.HardwareAddr, prefix *net.IPNet) error {
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arps
}

func TestAnnounceGratuitousSendsBurstThenStops(t *testing.T) {
	RegisterTestingT(t)

	sender := &recordingSender{}
	m := New(sender, 50*time.Millisecond, 0)

	mac := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	ip := net.ParseIP("10.0.0.5")
	m.Announce("ep1", "veth0", mac, ip, AdvModeGratuitous)

	time.Sleep(700 * time.Millisecond)
	Expect(sender.count()).To(Equal(3))
	Expect(m.Active("ep1")).To(BeFalse())
}

func TestWithdrawStopsRepeat(t *testing.T) {
	RegisterTestingT(t)

	sender := &recordingSender{}
	m := New(sender, 30*time.Millisecond, 0)

	mac := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	ip := net.ParseIP("10.0.0.5")
	m.Announce("ep1", "veth0", mac, ip, AdvModeRepeat)
	Expect(m.Active("ep1")).To(BeTrue())

	time.Sleep(80 * time.Millisecond)
	m.Withdraw("ep1")
	Expect(m.Active("ep1")).To(BeFalse())

	countAfterStop := sender.count()
	time.Sleep(100 * time.Millisecond)
	Expect(sender.count()).To(Equal(countAfterStop))
}
