package modb

import (
	"net"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/opendaylight/opflex-agent-ovs/pkg/policy"
)

type recordingListener struct {
	updated []policy.URI
	removed []policy.URI
}

func (r *recordingListener) ObjectUpdated(class Class, uri policy.URI) {
	r.updated = append(r.updated, uri)
}

func (r *recordingListener) ObjectRemoved(class Class, uri policy.URI) {
	r.removed = append(r.removed, uri)
}

func TestStorePutResolveDelete(t *testing.T) {
	RegisterTestingT(t)

	s := NewStore()
	l := &recordingListener{}
	s.RegisterListener(ClassEndpoint, l)

	ep := &policy.Endpoint{UUID: "ep1", MAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}}
	s.Put(ClassEndpoint, "/ep1", ep)

	got, ok := s.Endpoint("/ep1")
	Expect(ok).To(BeTrue())
	Expect(got.UUID).To(Equal("ep1"))
	Expect(l.updated).To(ConsistOf(policy.URI("/ep1")))

	s.Delete(ClassEndpoint, "/ep1")
	_, ok = s.Endpoint("/ep1")
	Expect(ok).To(BeFalse())
	Expect(l.removed).To(ConsistOf(policy.URI("/ep1")))
}

func TestStoreListUnknownClass(t *testing.T) {
	RegisterTestingT(t)

	s := NewStore()
	Expect(s.List(Class("bogus"))).To(BeNil())
	_, ok := s.Resolve(Class("bogus"), "/x")
	Expect(ok).To(BeFalse())
}
