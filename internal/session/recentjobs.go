package session

import (
	"sync"

	"github.com/carlosrabelo/sv2bridge/internal/bridge"
)

// recentJobsCapacity is the number of most-recent jobs a session keeps
// around to re-expand a late-arriving submit against.
const recentJobsCapacity = 8

type recentJobEntry struct {
	job         *bridge.Job
	versionMask uint32
}

// recentJobs is a fixed-capacity, insertion-ordered ring keyed by v1 job id.
// Lookup is by id only; the oldest entry is evicted once the ring is full.
type recentJobs struct {
	mu      sync.Mutex
	order   []string
	entries map[string]recentJobEntry
}

func newRecentJobs() *recentJobs {
	return &recentJobs{entries: make(map[string]recentJobEntry, recentJobsCapacity)}
}

func (r *recentJobs) add(job *bridge.Job, versionMask uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[job.V1ID]; exists {
		r.entries[job.V1ID] = recentJobEntry{job: job, versionMask: versionMask}
		return
	}

	if len(r.order) >= recentJobsCapacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.entries, oldest)
	}
	r.order = append(r.order, job.V1ID)
	r.entries[job.V1ID] = recentJobEntry{job: job, versionMask: versionMask}
}

func (r *recentJobs) lookup(v1ID string) (recentJobEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[v1ID]
	return entry, ok
}
