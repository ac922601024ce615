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

// Package idgen implements the namespaced string-to-uint32 identifier
// cache used to derive stable, small cookie/group/flow-table identifiers
// from policy-object URIs. IDs are assigned once per (namespace, string)
// pair and persisted to disk so they survive an agent restart; erased
// entries are kept around until collectGarbage confirms nothing still
// references them, rather than being reused immediately.
package idgen

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/Sirupsen/logrus"
)

// Invalid is returned by GetID for an empty input string.
const Invalid uint32 = 0

// Overflow is returned by GetID when a namespace has exhausted the
// uint32 ID space.
const Overflow uint32 = math.MaxUint32

type erasedEntry struct {
	str      string
	erasedAt time.Time
}

type namespaceMap struct {
	ids        map[string]uint32
	rev        map[uint32]string
	lastUsedID uint32
	erased     map[uint32]erasedEntry
}

// firstID is the lowest ID GetID ever allocates; IDs are monotonically
// assigned from 100 upward per namespace.
const firstID uint32 = 100

func newNamespaceMap() *namespaceMap {
	return &namespaceMap{
		ids:        make(map[string]uint32),
		rev:        make(map[uint32]string),
		erased:     make(map[uint32]erasedEntry),
		lastUsedID: firstID - 1,
	}
}

// IDGenerator hands out and persists namespaced identifiers.
type IDGenerator struct {
	mu           sync.Mutex
	persistDir   string
	namespaces   map[string]*namespaceMap
	garbageAfter time.Duration
}

// New builds an IDGenerator that persists each namespace's cache as a
// file under persistDir. An empty persistDir disables persistence
// (useful in tests).
func New(persistDir string) *IDGenerator {
	return &IDGenerator{
		persistDir:   persistDir,
		namespaces:   make(map[string]*namespaceMap),
		garbageAfter: 10 * time.Minute,
	}
}

// SetGarbageAfter overrides the minimum age an erased entry must reach
// before CollectGarbage will consider deleting it. Exposed for tests.
func (g *IDGenerator) SetGarbageAfter(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.garbageAfter = d
}

func (g *IDGenerator) namespaceFile(ns string) string {
	if g.persistDir == "" {
		return ""
	}
	return filepath.Join(g.persistDir, "id-"+ns+".txt")
}

// InitNamespace creates ns if it doesn't already exist and loads any
// persisted cache for it. Safe to call more than once for the same ns.
func (g *IDGenerator) InitNamespace(ns string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.namespaces[ns]; ok {
		return nil
	}
	nm := newNamespaceMap()
	g.namespaces[ns] = nm

	path := g.namespaceFile(ns)
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening id cache for namespace %s: %w", ns, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			log.Warnf("idgen: malformed cache line in namespace %s: %q", ns, line)
			continue
		}
		id, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			log.Warnf("idgen: malformed id in namespace %s: %q", ns, line)
			continue
		}
		nm.ids[parts[1]] = uint32(id)
		nm.rev[uint32(id)] = parts[1]
		if uint32(id) > nm.lastUsedID {
			nm.lastUsedID = uint32(id)
		}
	}
	return scanner.Err()
}

// GetID returns the ID for str within ns, allocating a new one if str
// has not been seen before. An erased-but-not-yet-garbage-collected
// entry for str is revived with its original ID rather than assigning a
// fresh one. Returns Invalid for an empty str and Overflow if ns has
// exhausted its ID space.
func (g *IDGenerator) GetID(ns, str string) uint32 {
	if str == "" {
		return Invalid
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	nm, ok := g.namespaces[ns]
	if !ok {
		nm = newNamespaceMap()
		g.namespaces[ns] = nm
	}

	if id, ok := nm.ids[str]; ok {
		return id
	}
	for id, e := range nm.erased {
		if e.str == str {
			delete(nm.erased, id)
			nm.ids[str] = id
			nm.rev[id] = str
			g.persistLocked(ns, nm)
			return id
		}
	}

	if nm.lastUsedID == Overflow {
		log.Errorf("idgen: namespace %s exhausted id space", ns)
		return Overflow
	}
	nm.lastUsedID++
	id := nm.lastUsedID
	nm.ids[str] = id
	nm.rev[id] = str
	g.persistLocked(ns, nm)
	return id
}

// Reverse returns the string that ns's id was allocated for, if any
// (checking both live and not-yet-collected erased entries).
func (g *IDGenerator) Reverse(ns string, id uint32) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	nm, ok := g.namespaces[ns]
	if !ok {
		return "", false
	}
	if str, ok := nm.rev[id]; ok {
		return str, true
	}
	if e, ok := nm.erased[id]; ok {
		return e.str, true
	}
	return "", false
}

// Erase marks str's ID within ns as no longer in active use. The ID is
// not reassigned until CollectGarbage confirms nothing else references
// it; GetID called again for the same str before that point revives the
// same ID.
func (g *IDGenerator) Erase(ns, str string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	nm, ok := g.namespaces[ns]
	if !ok {
		return
	}
	id, ok := nm.ids[str]
	if !ok {
		return
	}
	delete(nm.ids, str)
	delete(nm.rev, id)
	nm.erased[id] = erasedEntry{str: str, erasedAt: time.Now()}
}

// GarbageCallback reports whether str (the value originally passed to
// GetID) is still referenced elsewhere in the agent. CollectGarbage
// permanently deletes entries for which this returns false.
type GarbageCallback func(ns, str string) (stillReferenced bool)

// CollectGarbage sweeps ns's erased entries older than the configured
// grace period, deleting those cb reports as no longer referenced and
// reviving the rest back into active use.
func (g *IDGenerator) CollectGarbage(ns string, cb GarbageCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	nm, ok := g.namespaces[ns]
	if !ok {
		return
	}
	now := time.Now()
	for id, e := range nm.erased {
		if now.Sub(e.erasedAt) < g.garbageAfter {
			continue
		}
		if cb(ns, e.str) {
			nm.ids[e.str] = id
			nm.rev[id] = e.str
			delete(nm.erased, id)
			continue
		}
		delete(nm.erased, id)
		delete(nm.rev, id)
	}
	g.persistLocked(ns, nm)
}

func (g *IDGenerator) persistLocked(ns string, nm *namespaceMap) {
	path := g.namespaceFile(ns)
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Errorf("idgen: creating persist dir for namespace %s: %v", ns, err)
		return
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		log.Errorf("idgen: creating id cache tmp file for namespace %s: %v", ns, err)
		return
	}
	w := bufio.NewWriter(f)
	for str, id := range nm.ids {
		fmt.Fprintf(w, "%d\t%s\n", id, str)
	}
	if err := w.Flush(); err != nil {
		log.Errorf("idgen: writing id cache for namespace %s: %v", ns, err)
		f.Close()
		return
	}
	if err := f.Close(); err != nil {
		log.Errorf("idgen: closing id cache tmp file for namespace %s: %v", ns, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Errorf("idgen: renaming id cache into place for namespace %s: %v", ns, err)
	}
}
