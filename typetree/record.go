// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package typetree // import "github.com/accessprof/fieldaccess/typetree"

import (
	"github.com/accessprof/fieldaccess/status"
)

// overlap reports whether the half-open ranges [a1, a2) and [b1, b2)
// share at least one byte.
func overlap(a1, a2, b1, b2 int64) bool {
	return max(a2, b2)-min(a1, b1) < (a2-a1)+(b2-b1)
}

// RecordAccess attributes count events at offsetBytes to every node whose
// byte range covers the access. Offsets beyond the root's full size wrap
// around, for bulk allocations that loop over the same type.
func (t *TypeTree) RecordAccess(offsetBytes int64, count uint64, kind AccessKind) bool {
	if offsetBytes > t.root.FullSizeBytes() {
		offsetBytes %= t.root.FullSizeBytes()
	}
	return t.root.recordAccess(offsetBytes, count, kind, []int64{0})
}

// recordAccess carries the array-element offset set down the recursion.
//
// An array node occurs once in the tree but its element subtree repeats
// at constant strides. A node below k array ancestors with sizes s_i and
// multiplicities m_i is duplicated at every offset in
// {Σ x_i*s_i | 0 <= x_i < m_i}; the set is expanded level by level: each
// inherited offset θ spawns {θ + x*size | 0 <= x < multiplicity} for the
// descendants. The node's own counter is bumped once per θ that overlaps,
// not once per element.
func (n *Node) recordAccess(offsetBytes int64, count uint64, kind AccessKind,
	elementOffsets []int64) bool {
	// Check against the widest possible range first; without overlap
	// there, neither this node nor any descendant can match.
	last := elementOffsets[len(elementOffsets)-1]
	if !overlap(offsetBytes, offsetBytes+DefaultAccessGranularity,
		n.GlobalOffsetBytes(), n.GlobalOffsetBytes()+last+n.FullSizeBytes()) {
		return false
	}

	for _, elementOffset := range elementOffsets {
		base := n.GlobalOffsetBytes() + elementOffset
		if overlap(offsetBytes, offsetBytes+DefaultAccessGranularity,
			base, base+n.FullSizeBytes()) {
			n.incrementAccessCount(count, kind)
		}
	}

	newElementOffsets := make([]int64, 0, len(elementOffsets)*int(n.Multiplicity()))
	for i := int64(0); i < n.Multiplicity(); i++ {
		for _, elementOffset := range elementOffsets {
			newElementOffsets = append(newElementOffsets, elementOffset+i*n.SizeBytes())
		}
	}

	overlapInChildren := len(n.children) == 0
	for _, child := range n.children {
		if child.recordAccess(offsetBytes, count, kind, newElementOffsets) {
			overlapInChildren = true
		}
	}
	return overlapInChildren
}

// CollapseHistogram folds a histogram over a bulk allocation into the
// collapsedSize byte range by summing the buckets that land on the same
// position of each repetition.
func CollapseHistogram(histogram []uint64, collapsedSize int64) []uint64 {
	histogramSize := len(histogram)
	newHistogramSize := int(1 + (collapsedSize-1)/DefaultAccessGranularity)
	collapseNum := histogramSize / newHistogramSize
	collapsed := make([]uint64, newHistogramSize)
	for i := 0; i < collapseNum; i++ {
		for j := 0; j < newHistogramSize; j++ {
			collapsed[j] += histogram[i*newHistogramSize+j]
		}
	}
	return collapsed
}

// RecordAccessHistogram projects a flat histogram onto the tree. Each
// bucket covers DefaultAccessGranularity bytes. A histogram covering more
// than the tree but less than twice the tree is applied as-is (slightly
// misaligned bulk allocation); from twice the tree upwards it is
// collapsed first. A FailedPrecondition is reported, with the counts
// kept, when the original size is not a multiple of the applied size.
func (t *TypeTree) RecordAccessHistogram(histogram []uint64, kind AccessKind) error {
	oldHistogramSize := len(histogram)
	histogramSizeBytes := int64(len(histogram)) * DefaultAccessGranularity
	if histogramSizeBytes == 0 {
		return status.InvalidArgumentf("histogram size is 0")
	}

	rootFullSize := t.root.FullSizeBytes()
	if histogramSizeBytes > rootFullSize && histogramSizeBytes < 2*rootFullSize {
		// Larger than the type but not a bulk allocation; continue
		// without collapsing.
	} else if histogramSizeBytes > rootFullSize {
		histogram = CollapseHistogram(histogram, rootFullSize)
	}

	for i, count := range histogram {
		t.root.recordAccess(int64(i)*DefaultAccessGranularity, count, kind, []int64{0})
	}

	if oldHistogramSize%len(histogram) != 0 {
		return status.FailedPreconditionf(
			"condition failed: histogram_size %% new_histogram_size != 0 %d %% %d == %d",
			oldHistogramSize, len(histogram), oldHistogramSize%len(histogram))
	}
	return nil
}
