package worker

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"

	"github.com/caldera-sim/simforge/internal/scheduler"
	"github.com/caldera-sim/simforge/internal/setting"
)

// ringPartitionCount, ringReplicationFactor, and ringLoad are the
// consistent-hash ring's tuning knobs. These match the library's own
// documented defaults; simforge has no basis yet to deviate from them.
const (
	ringPartitionCount    = 271
	ringReplicationFactor = 20
	ringLoad              = 1.25
)

// xxhasher adapts xxhash to consistent.Hasher.
type xxhasher struct{}

func (xxhasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

// hostMember is one scheduler host/cluster name in the ring.
type hostMember string

func (h hostMember) String() string { return string(h) }

// HostRing assigns the P·D sub-workers produced by a Cartesian
// broadcast (spec §4.3.2) to a configurable set of scheduler
// hosts/clusters by consistent hashing, so adding or removing a host
// reshuffles only the minimal share of wK subtrees rather than every
// one of them.
type HostRing struct {
	mu   sync.Mutex
	ring *consistent.Consistent
}

// NewHostRing builds a ring over hosts, which must be non-empty.
func NewHostRing(hosts []string) (*HostRing, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("worker: host ring requires at least one host")
	}
	members := make([]consistent.Member, len(hosts))
	for i, h := range hosts {
		members[i] = hostMember(h)
	}
	cfg := consistent.Config{
		Hasher:            xxhasher{},
		PartitionCount:    ringPartitionCount,
		ReplicationFactor: ringReplicationFactor,
		Load:              ringLoad,
	}
	return &HostRing{ring: consistent.New(members, cfg)}, nil
}

// AssignHost returns the host subWorker is pinned to.
func (r *HostRing) AssignHost(subWorker string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.LocateKey([]byte(subWorker)).String()
}

// AddHost grows the ring with a new host, reassigning only the
// sub-workers the library's bounded-load scheme moves onto it.
func (r *HostRing) AddHost(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.Add(hostMember(host))
}

// RemoveHost shrinks the ring; sub-workers pinned to host move to
// their next-closest remaining host.
func (r *HostRing) RemoveHost(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.Remove(host)
}

// Variant is one (potential, driver-variant) combination that
// CartesianBroadcast turns into its own Worker subtree.
type Variant struct {
	Potential  string // label of the potential, e.g. an MLPotential model name; used in error messages
	DriverKind string // driver.Capability kind the sub-worker runs
	Setting    setting.DriverSetting
}

// SubWorker is one leaf of a Cartesian broadcast: a Worker rooted at
// its own wK subtree, pinned to a host by the ring.
type SubWorker struct {
	ID     string // "w0", "w1", ...
	Host   string
	Worker *Worker
}

// CartesianBroadcast fans a structure list out across P potentials ×
// D driver variants, building one Worker per combination under its
// own wK subtree of baseDir and pinning it to a host via ring (spec
// §4.3.2). The structure list itself is never copied here — callers
// pass the same slice to every SubWorker.Worker.Run, sharing it by
// reference exactly as the source does.
func CartesianBroadcast(baseDir string, variants []Variant, sched scheduler.Scheduler, batchSize int, ring *HostRing, logger *log.Logger) ([]SubWorker, error) {
	subs := make([]SubWorker, len(variants))
	for k, v := range variants {
		id := fmt.Sprintf("w%d", k)
		dir := filepath.Join(baseDir, id)
		w, err := New(dir, sched, v.DriverKind, v.Setting, batchSize, logger)
		if err != nil {
			return nil, fmt.Errorf("worker: build sub-worker %s (potential %s): %w", id, v.Potential, err)
		}
		subs[k] = SubWorker{ID: id, Host: ring.AssignHost(id), Worker: w}
	}
	return subs, nil
}
