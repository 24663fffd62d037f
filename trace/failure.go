package trace

import (
	"fmt"

	"honnef.co/go/tracecap/container"
)

type FailureKind uint8

const (
	FailureNone FailureKind = iota
	FailureZoneStackUnderflow
	FailureZoneStackMismatch
	FailureZoneTextWithoutZone
	FailureMemFreeWithoutAlloc
	FailureMemAllocTwice
	FailureFrameEndWithoutStart
	FailureFrameImageIndex
	FailureFrameImageTwice
	FailureLockReleaseWithoutObtain
	FailureLockTooManyThreads
	FailureLockUnknown
	FailureSourceLocationOverflow
	FailureGpuZoneStackUnderflow
	FailureGpuQueryUnknown
	FailureGpuContextUnknown
	FailureThreadOverflow
	FailureSourceLocationMissing

	failureLast
)

var failureNames = [failureLast]string{
	FailureNone:                     "none",
	FailureZoneStackUnderflow:       "zone-stack-underflow",
	FailureZoneStackMismatch:        "zone-stack-mismatch",
	FailureZoneTextWithoutZone:      "zone-text-without-zone",
	FailureMemFreeWithoutAlloc:      "memory-free-without-allocation",
	FailureMemAllocTwice:            "memory-allocated-twice",
	FailureFrameEndWithoutStart:     "frame-end-without-start",
	FailureFrameImageIndex:          "frame-image-index",
	FailureFrameImageTwice:          "frame-image-twice",
	FailureLockReleaseWithoutObtain: "lock-release-without-obtain",
	FailureLockTooManyThreads:       "lock-too-many-threads",
	FailureLockUnknown:              "lock-unknown",
	FailureSourceLocationOverflow:   "source-location-overflow",
	FailureGpuZoneStackUnderflow:    "gpu-zone-stack-underflow",
	FailureGpuQueryUnknown:          "gpu-query-unknown",
	FailureGpuContextUnknown:        "gpu-context-unknown",
	FailureThreadOverflow:           "thread-overflow",
	FailureSourceLocationMissing:    "source-location-missing",
}

func (k FailureKind) String() string {
	if k >= failureLast {
		return fmt.Sprintf("FailureKind(%d)", k)
	}
	return failureNames[k]
}

var failureDescriptions = [failureLast]string{
	FailureZoneStackUnderflow:       "A zone ended on a thread that has no open zones.",
	FailureZoneStackMismatch:        "A zone ended that doesn't match the innermost open zone.",
	FailureZoneTextWithoutZone:      "Zone text or a zone name was sent while no zone was open.",
	FailureMemFreeWithoutAlloc:      "Memory was freed that wasn't allocated.",
	FailureMemAllocTwice:            "Memory was allocated at an address that is still in use.",
	FailureFrameEndWithoutStart:     "A discontinuous frame ended without having started.",
	FailureFrameImageIndex:          "A frame image refers to a frame that doesn't exist.",
	FailureFrameImageTwice:          "A frame already has an image.",
	FailureLockReleaseWithoutObtain: "A lock was released that wasn't held.",
	FailureLockTooManyThreads:       "More than 64 threads used the same lock.",
	FailureLockUnknown:              "A lock was used that was never announced.",
	FailureSourceLocationOverflow:   "Too many distinct source locations.",
	FailureGpuZoneStackUnderflow:    "A GPU zone ended while no GPU zone was open.",
	FailureGpuQueryUnknown:          "A GPU timestamp refers to an unknown query.",
	FailureGpuContextUnknown:        "A GPU event refers to an unknown GPU context.",
	FailureThreadOverflow:           "Too many distinct threads.",
	FailureSourceLocationMissing:    "A zone with an allocated source location arrived without its payload.",
}

// Failure records the first inconsistency found in the ingested data. Ingestion continues after a failure,
// but the trace can no longer be fully trusted.
type Failure struct {
	Kind   FailureKind
	Thread uint64
	SrcLoc SrcLocID
	Time   Timestamp
	Detail string
}

func (f Failure) String() string {
	s := fmt.Sprintf("%s (thread %d, time %d)", f.Kind, f.Thread, f.Time)
	if f.Detail != "" {
		s += ": " + f.Detail
	}
	return s
}

func (f Failure) Description() string {
	if f.Kind >= failureLast {
		return ""
	}
	return failureDescriptions[f.Kind]
}

// Fail records an ingestion inconsistency. Only the first failure is retained, later ones are counted.
func (db *Database) Fail(f Failure) {
	db.failureCount++
	if db.FailureHook != nil {
		db.FailureHook(f)
	}
	if !db.failure.Set() {
		db.failure = container.Some(f)
	}
}

// Failure returns the first recorded failure and the total number of failures.
func (db *Database) Failure() (Failure, int, bool) {
	f, ok := db.failure.Get()
	return f, db.failureCount, ok
}
