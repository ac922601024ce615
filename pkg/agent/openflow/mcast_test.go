package openflow

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
)

func TestMulticastMapPersistsOnChange(t *testing.T) {
	RegisterTestingT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "mcast-groups.json")
	m := NewMulticastMap(path)

	Expect(m.Add(net.ParseIP("239.1.1.1"))).To(Succeed())
	Expect(m.Add(net.ParseIP("239.1.1.1"))).To(Succeed())

	data, err := os.ReadFile(path)
	Expect(err).NotTo(HaveOccurred())
	var file mcastGroupFile
	Expect(json.Unmarshal(data, &file)).To(Succeed())
	Expect(file.MulticastGroups).To(ConsistOf("239.1.1.1"))

	Expect(m.Remove(net.ParseIP("239.1.1.1"))).To(Succeed())
	Expect(m.Groups()).To(BeEmpty())
}
