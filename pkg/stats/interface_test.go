package stats

import (
	"context"
	"testing"

	. "github.com/onsi/gomega"
)

func TestInterfaceStatsManagerComputesDelta(t *testing.T) {
	RegisterTestingT(t)

	calls := 0
	values := []struct {
		p, b uint64
		ok   bool
	}{
		{100, 1000, true},
		{150, 1500, true},
	}
	reader := func(ctx context.Context, name string) (uint64, uint64, bool, error) {
		v := values[calls]
		calls++
		return v.p, v.b, v.ok, nil
	}

	m := NewInterfaceStatsManager(reader, 0)
	m.Track("veth0", 4)

	m.Poll(context.Background())
	first, ok := m.Latest("veth0")
	Expect(ok).To(BeTrue())
	Expect(first.PacketCount).To(BeEquivalentTo(100))

	m.Poll(context.Background())
	second, ok := m.Latest("veth0")
	Expect(ok).To(BeTrue())
	Expect(second.PacketCount).To(BeEquivalentTo(50))
	Expect(second.ByteCount).To(BeEquivalentTo(500))
}

func TestInterfaceStatsManagerClampsUnsupportedCounter(t *testing.T) {
	RegisterTestingT(t)

	reader := func(ctx context.Context, name string) (uint64, uint64, bool, error) {
		return 0, 0, false, nil
	}
	m := NewInterfaceStatsManager(reader, 0)
	m.Track("veth0", 4)
	m.Poll(context.Background())

	sample, ok := m.Latest("veth0")
	Expect(ok).To(BeTrue())
	Expect(sample.PacketCount).To(BeEquivalentTo(0))
	Expect(sample.ByteCount).To(BeEquivalentTo(0))
}

func TestUntrackStopsPolling(t *testing.T) {
	RegisterTestingT(t)

	m := NewInterfaceStatsManager(func(ctx context.Context, name string) (uint64, uint64, bool, error) {
		return 1, 1, true, nil
	}, 0)
	m.Track("veth0", 4)
	m.Untrack("veth0")
	m.Poll(context.Background())

	_, ok := m.Latest("veth0")
	Expect(ok).To(BeFalse())
}
