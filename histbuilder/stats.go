// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package histbuilder // import "github.com/accessprof/fieldaccess/histbuilder"

import (
	log "github.com/sirupsen/logrus"
)

// Statistics accumulates per-run totals over allocations and accesses.
type Statistics struct {
	// Allocation tracking.
	TotalAllocationsCount   uint64
	TotalFoundType          uint64
	TotalVerified           uint64
	HeapAllocCount          uint64
	ContainerAllocCount     uint64
	TotalRecordCount        uint64
	TotalAfterFiltering     uint64
	DuplicateCallstackCount uint64
	// Access tracking.
	TotalAccesses             uint64
	TotalAccessesOnHeapallocs uint64
	TotalAccessesOnContainers uint64
	TotalAccessesOnRecords    uint64
}

func percentify(value, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return 100.0 * float64(value) / float64(total)
}

// Log emits the statistics block.
func (s *Statistics) Log() {
	log.Infof("- \n"+
		" ====== Statistics ======\n"+
		"Total allocations count: %d(%.2f%%)\n"+
		"Total found type: %d(%.2f%%)\n"+
		"Total duplicate callstack: %d(%.2f%%)\n"+
		"Total verified: %d(%.2f%%)\n"+
		"Heap alloc count: %d(%.2f%%)\n"+
		"Container alloc count: %d(%.2f%%)\n"+
		"Total record count: %d(%.2f%%)\n"+
		"Total after filtering: %d(%.2f%%)\n"+
		"Total accesses: %d(%.2f%%)\n"+
		"Total accesses on heapallocs: %d(%.2f%%)\n"+
		"Total accesses on containers: %d(%.2f%%)\n"+
		"Total accesses on records: %d(%.2f%%)\n"+
		" ======    End    ======",
		s.TotalAllocationsCount, percentify(s.TotalAllocationsCount, s.TotalAllocationsCount),
		s.TotalFoundType, percentify(s.TotalFoundType, s.TotalAllocationsCount),
		s.DuplicateCallstackCount, percentify(s.DuplicateCallstackCount, s.TotalAllocationsCount),
		s.TotalVerified, percentify(s.TotalVerified, s.TotalAllocationsCount),
		s.HeapAllocCount, percentify(s.HeapAllocCount, s.TotalAllocationsCount),
		s.ContainerAllocCount, percentify(s.ContainerAllocCount, s.TotalAllocationsCount),
		s.TotalRecordCount, percentify(s.TotalRecordCount, s.TotalAllocationsCount),
		s.TotalAfterFiltering, percentify(s.TotalAfterFiltering, s.TotalAllocationsCount),
		s.TotalAccesses, percentify(s.TotalAccesses, s.TotalAccesses),
		s.TotalAccessesOnHeapallocs, percentify(s.TotalAccessesOnHeapallocs, s.TotalAccesses),
		s.TotalAccessesOnContainers, percentify(s.TotalAccessesOnContainers, s.TotalAccesses),
		s.TotalAccessesOnRecords, percentify(s.TotalAccessesOnRecords, s.TotalAccesses))
}
