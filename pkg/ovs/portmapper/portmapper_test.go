package portmapper

import (
	"testing"

	. "github.com/onsi/gomega"
)

type recorder struct {
	events []string
}

func (r *recorder) PortStatusUpdate(name string, ofPort uint32, removed bool) {
	if removed {
		r.events = append(r.events, "del:"+name)
		return
	}
	r.events = append(r.events, "add:"+name)
}

func TestUpdateAndLookup(t *testing.T) {
	RegisterTestingT(t)

	pm := New()
	r := &recorder{}
	pm.RegisterListener(r)

	pm.Update("veth0", 5)
	n, ok := pm.GetPort("veth0")
	Expect(ok).To(BeTrue())
	Expect(n).To(BeEquivalentTo(5))

	name, ok := pm.GetName(5)
	Expect(ok).To(BeTrue())
	Expect(name).To(Equal("veth0"))

	Expect(r.events).To(ConsistOf("add:veth0"))
}

func TestUpdateReassignsStaleBinding(t *testing.T) {
	RegisterTestingT(t)

	pm := New()
	pm.Update("veth0", 5)
	pm.Update("veth0", 6)

	_, ok := pm.GetName(5)
	Expect(ok).To(BeFalse())
	n, _ := pm.GetPort("veth0")
	Expect(n).To(BeEquivalentTo(6))
}

func TestRemove(t *testing.T) {
	RegisterTestingT(t)

	pm := New()
	pm.Update("veth0", 5)
	pm.Remove("veth0")

	_, ok := pm.GetPort("veth0")
	Expect(ok).To(BeFalse())
	_, ok = pm.GetName(5)
	Expect(ok).To(BeFalse())
}

func TestMustGetPortError(t *testing.T) {
	RegisterTestingT(t)

	pm := New()
	_, err := pm.MustGetPort("missing")
	Expect(err).To(HaveOccurred())
}
