// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package bbstate implements the burst-buffer bookkeeping tables: per-job
// and per-user allocation records chained through fixed-size hash
// buckets, aggregate used-space accounting, and the use-time sweep.
//
// None of these operations take an internal lock. Callers are expected
// to already hold whatever controller-global lock protects burst-buffer
// state before calling in — see CompositeLock in internal/controller
// for the composite-lock discipline on the controller side.
package bbstate

import (
	"time"

	"github.com/jontk/agentd/pkg/agenterrors"
	"github.com/jontk/agentd/pkg/logging"
)

// BBHashSize is the fixed modulus of the allocation and user hash
// tables; buckets are chosen by user_id % BBHashSize.
const BBHashSize = 32

// NiceOffset is the controller's neutral nice value; priority boosts
// subtract from it.
const NiceOffset = 10000

// AllocState is the lifecycle state of a burst-buffer allocation.
type AllocState int

const (
	Allocated AllocState = iota
	StagingIn
	StagedIn
	StagingOut
	StagedOut
)

func (s AllocState) String() string {
	switch s {
	case Allocated:
		return "ALLOCATED"
	case StagingIn:
		return "STAGING_IN"
	case StagedIn:
		return "STAGED_IN"
	case StagingOut:
		return "STAGING_OUT"
	case StagedOut:
		return "STAGED_OUT"
	default:
		return "UNKNOWN"
	}
}

// GresUsage is the per-GRES accounting attached to an allocation.
type GresUsage struct {
	Name     string
	AvailCnt uint32
	UsedCnt  uint32
}

// Alloc is one burst-buffer allocation record, chained through its
// bucket's linked list.
type Alloc struct {
	Name        string
	JobID       uint32
	ArrayJobID  uint32
	ArrayTaskID uint32
	UserID      uint32
	Size        uint32
	State       AllocState
	StateTime   int64
	SeenTime    int64
	UseTime     int64
	EndTime     int64
	Gres        []GresUsage

	next *Alloc
}

// UserRecord aggregates allocation size across a single user.
type UserRecord struct {
	UserID uint32
	Size   uint32

	next *UserRecord
}

// JobRef identifies the job an allocation belongs to; it is the
// caller-owned subset of job fields bbstate needs, since the full
// job-record data structure lives outside this package.
type JobRef struct {
	JobID       uint32
	ArrayJobID  uint32
	ArrayTaskID uint32
	UserID      uint32
}

// JobRecord is the external job-record shape bbstate needs to resolve
// use-time and apply priority boosts; the real job table lives in the
// controller, out of this package's scope.
type JobRecord struct {
	JobID      uint32
	StartTime  int64 // 0 == unknown
	EndTime    int64
	Nice       int32
	HasDetails bool
}

// JobLookup resolves a job ID to its job record, for SetUseTime.
type JobLookup interface {
	Lookup(jobID uint32) (*JobRecord, bool)
}

// State is the bookkeeping table pair (allocations, users) plus the
// aggregate accounting fields carried alongside them on the wire.
type State struct {
	allocBuckets [BBHashSize]*Alloc
	userBuckets  [BBHashSize]*UserRecord

	UsedSpace   uint32
	TotalSpace  uint32
	NextEndTime int64
}

// NewState returns an empty bookkeeping table.
func NewState() *State {
	return &State{}
}

func bucketFor(uid uint32) uint32 {
	return uid % BBHashSize
}

// FindJobRec looks up the allocation owned by userID with JobID == jobID.
// On a job_id match with a mismatched user_id, the inconsistency is
// logged and the scan continues — the caller must never see the stale
// record under the wrong user's bucket.
func (s *State) FindJobRec(logger logging.Logger, userID, jobID uint32) (*Alloc, bool) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	for a := s.allocBuckets[bucketFor(userID)]; a != nil; a = a.next {
		if a.JobID != jobID {
			continue
		}
		if a.UserID != userID {
			logger.Warn("job_id match with mismatched user_id, skipping stale record",
				"job_id", jobID, "expected_user_id", userID, "record_user_id", a.UserID)
			continue
		}
		return a, true
	}
	return nil, false
}

// FindUserRec returns uid's user record, creating it if this is the
// first time uid is seen.
func (s *State) FindUserRec(uid uint32) *UserRecord {
	bucket := bucketFor(uid)
	for u := s.userBuckets[bucket]; u != nil; u = u.next {
		if u.UserID == uid {
			return u
		}
	}

	u := &UserRecord{UserID: uid, next: s.userBuckets[bucket]}
	s.userBuckets[bucket] = u
	return u
}

// AllocNameRec inserts a name-based allocation at the head of uid's
// bucket, state ALLOCATED, state_time == seen_time == now.
func (s *State) AllocNameRec(name string, uid uint32, now time.Time) *Alloc {
	a := &Alloc{
		Name:      name,
		UserID:    uid,
		State:     Allocated,
		StateTime: now.Unix(),
		SeenTime:  now.Unix(),
	}
	bucket := bucketFor(uid)
	a.next = s.allocBuckets[bucket]
	s.allocBuckets[bucket] = a
	return a
}

// AllocJobRec inserts a job-based allocation at the head of job.UserID's
// bucket, state ALLOCATED, state_time == seen_time == now.
func (s *State) AllocJobRec(job JobRef, size uint32, now time.Time) *Alloc {
	a := &Alloc{
		JobID:       job.JobID,
		ArrayJobID:  job.ArrayJobID,
		ArrayTaskID: job.ArrayTaskID,
		UserID:      job.UserID,
		Size:        size,
		State:       Allocated,
		StateTime:   now.Unix(),
		SeenTime:    now.Unix(),
	}
	bucket := bucketFor(job.UserID)
	a.next = s.allocBuckets[bucket]
	s.allocBuckets[bucket] = a
	return a
}

// AllocJob composes the priority-boost policy, AllocJobRec, and
// AddUserLoad: the usual entry point for granting a job a burst-buffer
// allocation.
func (s *State) AllocJob(job JobRef, size uint32, jobRec *JobRecord, prioBoostUse int32, now time.Time) *Alloc {
	if jobRec != nil {
		BoostPriority(jobRec, prioBoostUse)
	}
	a := s.AllocJobRec(job, size, now)
	s.AddUserLoad(a)
	return a
}

// BoostPriority raises job's priority (lowers its nice value) when
// prioBoostUse is set and doing so would not lower priority. Monotone:
// never raises the nice value. Returns whether a boost was applied.
func BoostPriority(job *JobRecord, prioBoostUse int32) bool {
	if job == nil || prioBoostUse <= 0 || !job.HasDetails {
		return false
	}
	newNice := NiceOffset - prioBoostUse
	if newNice < job.Nice {
		job.Nice = newNice
		return true
	}
	return false
}

// AddUserLoad increments state.UsedSpace and alloc's owning user's
// aggregate size by alloc.Size.
func (s *State) AddUserLoad(alloc *Alloc) {
	s.UsedSpace += alloc.Size
	user := s.FindUserRec(alloc.UserID)
	user.Size += alloc.Size
}

// RemoveUserLoad decrements state.UsedSpace and alloc's owning user's
// aggregate size by alloc.Size, saturating at zero and logging an
// underflow if one would have occurred.
func (s *State) RemoveUserLoad(logger logging.Logger, alloc *Alloc) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	if alloc.Size > s.UsedSpace {
		err := agenterrors.New(agenterrors.CodeInvariantBreach, "used_space underflow, saturating at zero")
		logger.Warn("used_space underflow, saturating at zero",
			"used_space", s.UsedSpace, "alloc_size", alloc.Size, "error", err)
		s.UsedSpace = 0
	} else {
		s.UsedSpace -= alloc.Size
	}

	user := s.FindUserRec(alloc.UserID)
	if alloc.Size > user.Size {
		err := agenterrors.New(agenterrors.CodeInvariantBreach, "user load underflow, saturating at zero")
		logger.Warn("user load underflow, saturating at zero",
			"user_id", alloc.UserID, "user_size", user.Size, "alloc_size", alloc.Size, "error", err)
		user.Size = 0
	} else {
		user.Size -= alloc.Size
	}
}

// SetUseTime resolves use_time/end_time for every allocation across all
// buckets, and recomputes state.NextEndTime, capped at now+3600.
func (s *State) SetUseTime(logger logging.Logger, jobs JobLookup, now time.Time) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	nowUnix := now.Unix()
	capTime := nowUnix + 3600
	nextEnd := capTime
	sawCandidate := false

	s.walkAllocs(func(a *Alloc) {
		switch {
		case a.JobID != 0 && (a.State == StagingIn || a.State == StagedIn):
			job, ok := jobs.Lookup(a.JobID)
			if !ok {
				a.UseTime = nowUnix + 86400
				err := agenterrors.New(agenterrors.CodeUnknownJobRecord, "job record missing during use_time sweep")
				logger.Warn("job record missing during use_time sweep", "job_id", a.JobID, "error", err)
			} else {
				if job.StartTime > 0 {
					a.UseTime = job.StartTime
				} else {
					a.UseTime = nowUnix + 3600
				}
				a.EndTime = job.EndTime
			}
		case a.JobID == 0:
			a.UseTime = nowUnix
		}

		if a.EndTime > 0 && a.Size > 0 {
			et := a.EndTime
			if et <= nowUnix {
				et = nowUnix
			}
			if !sawCandidate || et < nextEnd {
				nextEnd = et
				sawCandidate = true
			}
		}
	})

	if nextEnd > capTime {
		nextEnd = capTime
	}
	s.NextEndTime = nextEnd
}

// walkAllocs visits every allocation record across every bucket.
func (s *State) walkAllocs(fn func(*Alloc)) {
	for _, head := range s.allocBuckets {
		for a := head; a != nil; a = a.next {
			fn(a)
		}
	}
}

// AllAllocs returns every allocation across every bucket, in
// unspecified but total order — used by pack_bufs and by tests that
// verify aggregate invariants.
func (s *State) AllAllocs() []*Alloc {
	var out []*Alloc
	s.walkAllocs(func(a *Alloc) { out = append(out, a) })
	return out
}

// AllUsers returns every user record across every bucket.
func (s *State) AllUsers() []*UserRecord {
	var out []*UserRecord
	for _, head := range s.userBuckets {
		for u := head; u != nil; u = u.next {
			out = append(out, u)
		}
	}
	return out
}
