package stats

import (
	"context"
	"testing"

	. "github.com/onsi/gomega"
)

func TestRuleStatsManagerComputesDelta(t *testing.T) {
	RegisterTestingT(t)

	calls := 0
	seq := []uint64{10, 25}
	reader := func(ctx context.Context, cookie uint64) (uint64, uint64, error) {
		v := seq[calls]
		calls++
		return v, v * 10, nil
	}

	m := NewContractStatsManager(reader, 0)
	m.Track(0xCAFE, 4)

	m.Poll(context.Background())
	m.Poll(context.Background())

	latest, ok := m.Latest(0xCAFE)
	Expect(ok).To(BeTrue())
	Expect(latest.PacketCount).To(BeEquivalentTo(15))
	Expect(latest.ByteCount).To(BeEquivalentTo(150))
}
