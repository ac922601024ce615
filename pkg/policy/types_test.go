package policy

import (
	"testing"

	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/util/sets"
)

func TestSecurityGroupSetKey(t *testing.T) {
	RegisterTestingT(t)

	k1 := SecurityGroupSetKey(sets.NewString("sg-b", "sg-a"))
	k2 := SecurityGroupSetKey(sets.NewString("sg-a", "sg-b"))
	Expect(k1).To(Equal(k2))
	Expect(k1).To(Equal("sg-a,sg-b"))

	empty := SecurityGroupSetKey(sets.NewString())
	Expect(empty).To(Equal(""))
}
