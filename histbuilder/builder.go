// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package histbuilder // import "github.com/accessprof/fieldaccess/histbuilder"

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/accessprof/fieldaccess/dwarfmeta"
	"github.com/accessprof/fieldaccess/memprof"
	"github.com/accessprof/fieldaccess/retriever"
	"github.com/accessprof/fieldaccess/typeresolver"
	"github.com/accessprof/fieldaccess/typetree"
)

// Results is the outcome of one histogram-building run.
type Results struct {
	TypeTreeStore *TypeTreeStore
	Stats         Statistics
}

// Builder attributes every profile site onto a type tree and collects
// the trees per call stack.
type Builder interface {
	BuildHistogram() (*Results, error)
}

// Options configure a local histogram-building run.
type Options struct {
	// Profile is the raw profile path.
	Profile string
	// ProfiledBinary is the profiled binary path.
	ProfiledBinary string
	// ProfiledBinaryDwarf is the split-debug path; defaults to the
	// binary itself.
	ProfiledBinaryDwarf string
	// TypePrefixFilter includes only types with one of these prefixes;
	// empty means all.
	TypePrefixFilter []string
	// CallstackFilter includes only stacks containing one of these
	// function names; empty means all.
	CallstackFilter []string
	// OnlyRecords drops non-record (non class/struct) root types.
	OnlyRecords bool
	// VerifyVerbose emits Verify diagnostics.
	VerifyVerbose bool
	// DumpUnresolvedCallstacks prints stacks whose type could not be
	// resolved.
	DumpUnresolvedCallstacks bool
	// ParseThreadCount sizes the DWARF parser pool.
	ParseThreadCount int
	// UnresolvedOut receives unresolved call-stack dumps; defaults to
	// standard output.
	UnresolvedOut io.Writer
}

// localBuilder builds the histogram for an in-process profile.
type localBuilder struct {
	reader   memprof.Reader
	resolver typeresolver.TypeResolver
	opts     Options
}

// NewLocalBuilder wires a profile reader and the DWARF type resolver
// into a builder: the binary's build id is looked up locally, the debug
// index is fetched from the split-debug path, and the resolver runs in
// local mode.
func NewLocalBuilder(opts Options) (Builder, error) {
	buildID, err := retriever.GetBuildID(opts.ProfiledBinary)
	if err != nil {
		log.Warnf("failed to get build id for local file: %v, continuing with empty build id", err)
		buildID = ""
	}

	reader, err := memprof.OpenRaw(opts.Profile)
	if err != nil {
		return nil, err
	}

	fetcher, err := dwarfmeta.NewFetcher(retriever.NewLocal(), dwarfmeta.Config{
		ReadSubprograms:  true,
		ParseThreadCount: opts.ParseThreadCount,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("fetching DWP with path: %s for build id: %s",
		opts.ProfiledBinaryDwarf, buildID)
	if err := fetcher.FetchDWPWithPath([]dwarfmeta.BinaryInfo{
		{BuildID: buildID, Path: opts.ProfiledBinaryDwarf},
	}); err != nil {
		return nil, err
	}

	return &localBuilder{
		reader:   reader,
		resolver: typeresolver.NewResolver(fetcher, true),
		opts:     opts,
	}, nil
}

// NewBuilderWithResolver wires a pre-built reader and resolver. Used by
// tests and by callers with alternative profile sources.
func NewBuilderWithResolver(reader memprof.Reader,
	resolver typeresolver.TypeResolver, opts Options) Builder {
	return &localBuilder{reader: reader, resolver: resolver, opts: opts}
}

// filterType reports whether a root type name should be dropped.
func (b *localBuilder) filterType(typeName string) bool {
	if len(b.opts.TypePrefixFilter) == 0 {
		return false
	}
	for _, prefix := range b.opts.TypePrefixFilter {
		if strings.HasPrefix(typeName, prefix) {
			return false
		}
	}
	return true
}

// filterCallstack reports whether a call stack should be dropped.
func (b *localBuilder) filterCallstack(callstack CallStack) bool {
	if len(b.opts.CallstackFilter) == 0 {
		return false
	}
	for _, frame := range callstack {
		for _, filter := range b.opts.CallstackFilter {
			if frame.FunctionName == filter {
				return false
			}
		}
	}
	return true
}

func logCallStackAndTypeTree(callstack CallStack, tree *typetree.TypeTree,
	verifyVerbose bool) {
	if !verifyVerbose {
		return
	}
	var sb strings.Builder
	if tree != nil {
		tree.Dump(&sb, 0, false)
		sb.WriteString("\n")
	} else {
		sb.WriteString("- \n")
	}
	DumpCallStack(callstack, &sb, 0, false)
	log.Warn(sb.String())
}

// BuildHistogram iterates the profile and attributes every site. Sites
// that fail to resolve are counted, optionally dumped, and skipped; a
// failed insert aborts the run since the caller supplied contradictory
// data for one call stack.
func (b *localBuilder) BuildHistogram() (*Results, error) {
	defer b.reader.Close()

	unresolvedOut := b.opts.UnresolvedOut
	if unresolvedOut == nil {
		unresolvedOut = os.Stdout
	}

	var stats Statistics
	store := NewTypeTreeStore()
	for {
		record, err := b.reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, site := range record.AllocSites {
			logTree := false
			callstack := ConvertCallStack(site.CallStack)
			if b.filterCallstack(callstack) {
				continue
			}
			stats.TotalAllocationsCount++

			tree, err := b.resolver.ResolveTypeFromCallstack(callstack,
				int64(len(site.AccessHistogram))*memprof.HistogramGranularity)
			if err != nil {
				if b.opts.VerifyVerbose {
					log.Warnf("failed to resolve type from callstack: %v", err)
					logCallStackAndTypeTree(callstack, nil, b.opts.VerifyVerbose)
				}
				if b.opts.DumpUnresolvedCallstacks {
					DumpCallStack(callstack, unresolvedOut, 0, true)
				}
				continue
			}
			stats.TotalFoundType++

			if b.filterType(tree.Name()) {
				continue
			}
			stats.TotalAfterFiltering++

			if tree.IsRecordType() {
				stats.TotalRecordCount++
			}
			if b.opts.OnlyRecords && !tree.IsRecordType() {
				continue
			}

			if err := tree.RecordAccessHistogram(site.AccessHistogram,
				typetree.AccessKindAccess); err != nil {
				logTree = true
				if b.opts.VerifyVerbose {
					log.Warnf("collapsing histogram does not precisely align with type size, counters may be distorted: %v", err)
				}
			}

			if !tree.Verify(b.opts.VerifyVerbose) {
				logCallStackAndTypeTree(callstack, tree, b.opts.VerifyVerbose)
			}
			stats.TotalVerified++

			total := tree.Root().TotalAccessCount()
			stats.TotalAccesses += total
			if tree.FromContainer() {
				stats.ContainerAllocCount++
				stats.TotalAccessesOnContainers += total
			} else {
				stats.HeapAllocCount++
				stats.TotalAccessesOnHeapallocs += total
			}
			if tree.IsRecordType() {
				stats.TotalAccessesOnRecords += total
			}

			if logTree {
				logCallStackAndTypeTree(callstack, tree, b.opts.VerifyVerbose)
			}
			if _, err := store.GetTypeTree(callstack); err == nil {
				stats.DuplicateCallstackCount++
			}
			if err := store.Insert(callstack, tree); err != nil {
				return nil, err
			}
		}
	}
	return &Results{TypeTreeStore: store, Stats: stats}, nil
}
