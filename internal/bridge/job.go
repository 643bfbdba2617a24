package bridge

import (
	"fmt"
	"sync/atomic"

	"github.com/carlosrabelo/sv2bridge/internal/v1proto"
	"github.com/carlosrabelo/sv2bridge/internal/v2wire"
)

// jobIDCounter assigns monotonically increasing, hex-encoded v1 job ids,
// shared across every session so a broadcast job carries one canonical id.
var jobIDCounter atomic.Uint32

func nextJobID() string {
	return fmt.Sprintf("%x", jobIDCounter.Add(1))
}

// Job is the bridge's translation of one upstream extended job, cached so a
// later mining.submit can be re-expanded against the original V2 fields.
type Job struct {
	V1ID      string
	V2JobID   uint32
	Version   uint32
	PrevHash  string
	Coinbase1 string
	Coinbase2 string
	Merkle    []string
	NBits     string
	NTime     string
	CleanJobs bool
}

// ToNotify renders the job as a V1 mining.notify message.
func (j *Job) ToNotify() v1proto.Message {
	return v1proto.NewNotifyMessage(j.V1ID, j.PrevHash, j.Coinbase1, j.Coinbase2, j.Merkle, fmt.Sprintf("%08x", j.Version), j.NBits, j.NTime, j.CleanJobs)
}

// translateJob builds a Job from an upstream NewExtendedMiningJob plus the
// most recent SetNewPrevHash, assigning a fresh v1 job id.
func translateJob(job v2wire.NewExtendedMiningJob, prevHash v2wire.SetNewPrevHash) *Job {
	merkle := make([]string, len(job.MerklePath))
	for i, branch := range job.MerklePath {
		merkle[i] = fmt.Sprintf("%x", branch)
	}
	return &Job{
		V1ID:      nextJobID(),
		V2JobID:   job.JobID,
		Version:   job.Version,
		PrevHash:  fmt.Sprintf("%x", prevHash.PrevHash),
		Coinbase1: fmt.Sprintf("%x", job.CoinbasePrefix),
		Coinbase2: fmt.Sprintf("%x", job.CoinbaseSuffix),
		Merkle:    merkle,
		NBits:     fmt.Sprintf("%08x", prevHash.NBits),
		NTime:     fmt.Sprintf("%08x", prevHash.MinNTime),
		CleanJobs: job.FutureJob,
	}
}
