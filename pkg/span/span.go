/*
Copyright 2021 The Everoute Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package span renders port-mirroring ("SPAN") policy onto the
// bridge's OVSDB Mirror table over the OVSDB-JSON-RPC management
// protocol. Grounded on original_source SpanRenderer.cpp, adapted from
// its native-OVSDB-IDL approach to contiv/libovsdb's transact-based
// client, the OVSDB library the teacher's dependency stack carries.
package span

import (
	"fmt"

	"github.com/contiv/libovsdb"
	log "github.com/Sirupsen/logrus"
)

// Session is a mirror-rendering OVSDB session, opened once per bridge.
type Session struct {
	client *libovsdb.OvsdbClient
	bridge string
}

// Dial connects to the local vswitchd OVSDB management socket (e.g.
// unix:/var/run/openvswitch/db.sock) and scopes subsequent renders to
// bridge.
func Dial(sockPath, bridge string) (*Session, error) {
	client, err := libovsdb.ConnectUnix(sockPath)
	if err != nil {
		return nil, fmt.Errorf("span: connecting to ovsdb at %s: %w", sockPath, err)
	}
	return &Session{client: client, bridge: bridge}, nil
}

// Mirror is the desired state of one SPAN session: traffic seen on
// srcPorts is copied to dstPort.
type Mirror struct {
	Name      string
	SrcPorts  []string
	DstPort   string
	OutputVLAN int // 0 means "use dstPort's physical output", not a VLAN tag
}

// Apply renders the given set of mirrors onto the bridge, replacing
// any mirror rows this session previously wrote with the same name and
// leaving unrelated mirrors (e.g. manually configured ones) untouched.
func (s *Session) Apply(mirrors []Mirror) error {
	var ops []libovsdb.Operation
	for _, m := range mirrors {
		ops = append(ops, libovsdb.Operation{
			Op:    "delete",
			Table: "Mirror",
			Where: []interface{}{[]interface{}{"name", "==", m.Name}},
		})
		row := map[string]interface{}{
			"name":          m.Name,
			"select_all":    false,
			"output_port":   m.DstPort,
		}
		if len(m.SrcPorts) > 0 {
			row["select_src_port"] = m.SrcPorts
		}
		ops = append(ops, libovsdb.Operation{
			Op:    "insert",
			Table: "Mirror",
			Row:   row,
			UUIDName: "mirror_" + m.Name,
		})
	}
	if len(ops) == 0 {
		return nil
	}

	replies, err := s.client.Transact("Open_vSwitch", ops...)
	if err != nil {
		return fmt.Errorf("span: transacting mirror update on bridge %s: %w", s.bridge, err)
	}
	for i, r := range replies {
		if r.Error != "" {
			log.Errorf("span: mirror op %d on bridge %s failed: %s (%s)", i, s.bridge, r.Error, r.Details)
		}
	}
	return nil
}

// Remove deletes the mirror named name from the bridge.
func (s *Session) Remove(name string) error {
	op := libovsdb.Operation{
		Op:    "delete",
		Table: "Mirror",
		Where: []interface{}{[]interface{}{"name", "==", name}},
	}
	_, err := s.client.Transact("Open_vSwitch", op)
	if err != nil {
		return fmt.Errorf("span: removing mirror %s from bridge %s: %w", name, s.bridge, err)
	}
	return nil
}

// Close releases the OVSDB session.
func (s *Session) Close() {
	s.client.Disconnect()
}
