package idgen

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestGetIDAllocatesAndMemoizes(t *testing.T) {
	RegisterTestingT(t)

	g := New("")
	Expect(g.InitNamespace("uri")).To(Succeed())

	id1 := g.GetID("uri", "/EndpointGroup/eg1")
	id2 := g.GetID("uri", "/EndpointGroup/eg1")
	Expect(id1).To(Equal(id2))
	Expect(id1).NotTo(Equal(Invalid))

	id3 := g.GetID("uri", "/EndpointGroup/eg2")
	Expect(id3).NotTo(Equal(id1))
}

func TestGetIDStartsAt100(t *testing.T) {
	RegisterTestingT(t)

	g := New("")
	Expect(g.InitNamespace("uri")).To(Succeed())
	Expect(g.GetID("uri", "/EndpointGroup/eg1")).To(Equal(uint32(100)))
}

func TestGetIDEmptyStringInvalid(t *testing.T) {
	RegisterTestingT(t)

	g := New("")
	Expect(g.GetID("uri", "")).To(Equal(Invalid))
}

func TestEraseThenReviveKeepsID(t *testing.T) {
	RegisterTestingT(t)

	g := New("")
	Expect(g.InitNamespace("uri")).To(Succeed())

	id := g.GetID("uri", "/EndpointGroup/eg1")
	g.Erase("uri", "/EndpointGroup/eg1")

	_, ok := g.Reverse("uri", id)
	Expect(ok).To(BeTrue())

	revived := g.GetID("uri", "/EndpointGroup/eg1")
	Expect(revived).To(Equal(id))
}

func TestCollectGarbageDeletesUnreferenced(t *testing.T) {
	RegisterTestingT(t)

	g := New("")
	g.SetGarbageAfter(0)
	Expect(g.InitNamespace("uri")).To(Succeed())

	id := g.GetID("uri", "/EndpointGroup/eg1")
	g.Erase("uri", "/EndpointGroup/eg1")
	time.Sleep(time.Millisecond)

	g.CollectGarbage("uri", func(ns, str string) bool { return false })

	_, ok := g.Reverse("uri", id)
	Expect(ok).To(BeFalse())

	newID := g.GetID("uri", "/EndpointGroup/eg1")
	Expect(newID).NotTo(Equal(id))
}

func TestCollectGarbageRevivesStillReferenced(t *testing.T) {
	RegisterTestingT(t)

	g := New("")
	g.SetGarbageAfter(0)
	Expect(g.InitNamespace("uri")).To(Succeed())

	id := g.GetID("uri", "/EndpointGroup/eg1")
	g.Erase("uri", "/EndpointGroup/eg1")
	time.Sleep(time.Millisecond)

	g.CollectGarbage("uri", func(ns, str string) bool { return true })

	revived := g.GetID("uri", "/EndpointGroup/eg1")
	Expect(revived).To(Equal(id))
}

func TestPersistenceRoundTrip(t *testing.T) {
	RegisterTestingT(t)

	dir := t.TempDir()
	g1 := New(dir)
	Expect(g1.InitNamespace("uri")).To(Succeed())
	id := g1.GetID("uri", "/EndpointGroup/eg1")

	g2 := New(dir)
	Expect(g2.InitNamespace("uri")).To(Succeed())
	Expect(g2.GetID("uri", "/EndpointGroup/eg1")).To(Equal(id))
}
