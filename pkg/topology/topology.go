// Package topology provides the read-only labeled fabric graph used for
// alert triage. The graph is loaded and validated once at startup; all
// queries afterwards are lock-free reads.
package topology

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Device roles
const (
	RoleSpine   = "spine"
	RoleTor     = "tor"
	RoleLeaf    = "leaf"
	RoleServer  = "server"
	RoleRR      = "rr"
	RoleEdge    = "edge"
	RoleUnknown = "unknown"
)

// roleLayers orders roles top-down; downstream edges go from a higher layer
// to a lower one.
var roleLayers = map[string]int{
	RoleRR:     5,
	RoleSpine:  4,
	RoleEdge:   4,
	RoleTor:    3,
	RoleLeaf:   2,
	RoleServer: 1,
}

// Device is one node of the fabric graph.
type Device struct {
	ID        string
	Role      string
	Neighbors []string
	Priority  string
}

type fileDevice struct {
	Role      string   `yaml:"role"`
	Neighbors []string `yaml:"neighbors"`
	Priority  string   `yaml:"priority"`
}

type fileTopology struct {
	Devices  map[string]fileDevice `yaml:"devices"`
	BGPPeers [][]string            `yaml:"bgp_peers"`
}

// Topology is the immutable fabric graph with precomputed triage queries.
type Topology struct {
	devices map[string]*Device
	adj     map[string]map[string]bool // neighbors plus bgp_peers, undirected
	blast   map[string]int
	spof    map[string]bool
	layers  map[string][]string
}

// Load reads and validates a topology file. Any validation failure is
// returned as an error; the caller treats it as fatal.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	var ft fileTopology
	if err := yaml.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	return build(&ft)
}

func build(ft *fileTopology) (*Topology, error) {
	if len(ft.Devices) == 0 {
		return nil, fmt.Errorf("topology defines no devices")
	}

	t := &Topology{
		devices: make(map[string]*Device, len(ft.Devices)),
		adj:     make(map[string]map[string]bool, len(ft.Devices)),
		blast:   make(map[string]int, len(ft.Devices)),
		spof:    make(map[string]bool, len(ft.Devices)),
		layers:  make(map[string][]string, len(ft.Devices)),
	}

	for id, fd := range ft.Devices {
		if _, ok := roleLayers[fd.Role]; !ok {
			return nil, fmt.Errorf("device %s: unknown role %q", id, fd.Role)
		}
		t.devices[id] = &Device{ID: id, Role: fd.Role, Neighbors: fd.Neighbors, Priority: fd.Priority}
		t.adj[id] = make(map[string]bool)
	}

	for id, fd := range ft.Devices {
		for _, n := range fd.Neighbors {
			if n == id {
				return nil, fmt.Errorf("device %s: self-loop neighbor", id)
			}
			if _, ok := t.devices[n]; !ok {
				return nil, fmt.Errorf("device %s: dangling neighbor %s", id, n)
			}
			t.adj[id][n] = true
			t.adj[n][id] = true
		}
	}

	for _, pair := range ft.BGPPeers {
		if len(pair) != 2 {
			return nil, fmt.Errorf("bgp_peers entry must name exactly two devices, got %v", pair)
		}
		a, b := pair[0], pair[1]
		if a == b {
			return nil, fmt.Errorf("bgp_peers entry is a self-loop: %s", a)
		}
		for _, id := range pair {
			if _, ok := t.devices[id]; !ok {
				return nil, fmt.Errorf("bgp_peers references unknown device %s", id)
			}
		}
		t.adj[a][b] = true
		t.adj[b][a] = true
	}

	for id := range t.devices {
		t.blast[id] = t.computeBlastRadius(id)
		t.layers[id] = t.computeAffectedLayers(id)
	}
	for id := range t.devices {
		t.spof[id] = t.computeSPOF(id)
	}

	return t, nil
}

// Role returns the device role and whether the device exists.
func (t *Topology) Role(device string) (string, bool) {
	d, ok := t.devices[device]
	if !ok {
		return RoleUnknown, false
	}
	return d.Role, true
}

// Neighbors returns the adjacent device ids (topology links and BGP
// sessions), sorted for determinism.
func (t *Topology) Neighbors(device string) []string {
	set, ok := t.adj[device]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Adjacent reports whether two devices share a link or a BGP session.
func (t *Topology) Adjacent(a, b string) bool {
	return t.adj[a][b]
}

// BlastRadius returns the cached count of devices reachable downstream of
// device, with a floor of 1: a device with nothing downstream, and an
// unknown device, both report 1.
func (t *Topology) BlastRadius(device string) int {
	if b, ok := t.blast[device]; ok {
		return b
	}
	return 1
}

// AffectedLayers returns the roles present at and below the device.
func (t *Topology) AffectedLayers(device string) []string {
	if l, ok := t.layers[device]; ok {
		return l
	}
	return []string{RoleUnknown}
}

// IsSPOF reports whether removing the device disconnects some server from
// every spine.
func (t *Topology) IsSPOF(device string) bool {
	return t.spof[device]
}

// Devices returns the number of devices in the graph.
func (t *Topology) Devices() int {
	return len(t.devices)
}

// computeBlastRadius walks downstream edges (higher layer to strictly lower
// layer) and counts reachable devices, excluding the start. A count of zero
// is reported as 1.
func (t *Topology) computeBlastRadius(device string) int {
	visited := map[string]bool{device: true}
	queue := []string{device}
	count := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curLayer := roleLayers[t.devices[cur].Role]
		for n := range t.adj[cur] {
			if visited[n] {
				continue
			}
			if roleLayers[t.devices[n].Role] >= curLayer {
				continue
			}
			visited[n] = true
			count++
			queue = append(queue, n)
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

func (t *Topology) computeAffectedLayers(device string) []string {
	seen := map[string]bool{t.devices[device].Role: true}
	visited := map[string]bool{device: true}
	queue := []string{device}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curLayer := roleLayers[t.devices[cur].Role]
		for n := range t.adj[cur] {
			if visited[n] {
				continue
			}
			if roleLayers[t.devices[n].Role] >= curLayer {
				continue
			}
			visited[n] = true
			seen[t.devices[n].Role] = true
			queue = append(queue, n)
		}
	}
	out := make([]string, 0, len(seen))
	for role := range seen {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return roleLayers[out[i]] > roleLayers[out[j]] })
	return out
}

// computeSPOF checks whether every server can still reach some spine in the
// graph with the device removed.
func (t *Topology) computeSPOF(device string) bool {
	var servers, spines []string
	for id, d := range t.devices {
		if id == device {
			continue
		}
		switch d.Role {
		case RoleServer:
			servers = append(servers, id)
		case RoleSpine:
			spines = append(spines, id)
		}
	}
	if len(servers) == 0 || len(spines) == 0 {
		return false
	}

	// Reachability from all spines simultaneously in the residual graph.
	reach := make(map[string]bool, len(t.devices))
	queue := make([]string, 0, len(spines))
	for _, s := range spines {
		reach[s] = true
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for n := range t.adj[cur] {
			if n == device || reach[n] {
				continue
			}
			reach[n] = true
			queue = append(queue, n)
		}
	}

	for _, s := range servers {
		if !reach[s] {
			return true
		}
	}
	return false
}
