// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfmeta // import "github.com/accessprof/fieldaccess/dwarfmeta"

import (
	"debug/dwarf"
	"io"
	"strings"
	"sync"
	"time"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/accessprof/fieldaccess/status"
)

// typeCacheSize bounds the resolver-facing memo of qualified-name lookups.
// The cache is invalidated wholesale on the next Fetch.
const typeCacheSize = 8192

// FileRetriever resolves build ids and stored paths to local, readable
// files. How the file is obtained (symbol server, cache, literal path) is
// opaque to the index.
type FileRetriever interface {
	RetrieveBinary(buildID, storedPath string) (string, error)
	RetrieveDwpFile(buildID string) (string, error)
}

// Config holds the fetcher construction options.
type Config struct {
	// ReadSubprograms enables indexing of subprogram DIEs, required for
	// formal-parameter based container resolution.
	ReadSubprograms bool
	// ParseThreadCount bounds the worker pool materializing compilation
	// units. Values below 1 mean sequential parsing.
	ParseThreadCount int
}

// Fetcher parses DWARF and answers type, field, heap-allocation-site and
// formal-parameter lookups. All query methods are valid after Fetch and
// until the next Fetch.
type Fetcher struct {
	retriever FileRetriever
	config    Config

	pack  *metadataPack
	cache *lru.LRU[string, *TypeData]
}

// metadataPack is the indexed result of parsing one or more debug files.
type metadataPack struct {
	// PointerSize is the byte size of a pointer in the parsed binaries.
	// It is a single global property; disagreeing binaries are an error.
	pointerSize int64

	// rootSpace holds all top-level namespaces and types.
	rootSpace *TypeData

	// formalAndTemplateParams maps identifiers (linkage names for
	// subprograms, qualified names for types) to their parameter lists.
	formalAndTemplateParams map[string][]string

	// heapallocSites maps source frames to allocated type names.
	heapallocSites map[Frame]string

	// mu guards top-level additions to rootSpace during parallel parsing.
	mu sync.Mutex
}

func newMetadataPack() *metadataPack {
	return &metadataPack{
		rootSpace:               NewTypeData(),
		formalAndTemplateParams: map[string][]string{},
		heapallocSites:          map[Frame]string{},
	}
}

// NewFetcher creates a Fetcher that resolves debug files through the
// given retriever.
func NewFetcher(retriever FileRetriever, config Config) (*Fetcher, error) {
	cache, err := lru.New[string, *TypeData](typeCacheSize, func(s string) uint32 {
		return uint32(xxh3.HashString(s))
	})
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		retriever: retriever,
		config:    config,
		pack:      newMetadataPack(),
		cache:     cache,
	}, nil
}

// Fetch builds the index for a set of build ids, resolving paths through
// the retriever only.
func (f *Fetcher) Fetch(buildIDs []string) error {
	infos := make([]BinaryInfo, 0, len(buildIDs))
	for _, id := range buildIDs {
		infos = append(infos, BinaryInfo{BuildID: id})
	}
	return f.FetchWithPath(infos)
}

// FetchWithPath builds the index for binaries identified by build id and
// local path. Any previous index is discarded.
func (f *Fetcher) FetchWithPath(binaries []BinaryInfo) error {
	f.pack = newMetadataPack()
	f.cache.Purge()
	for _, info := range binaries {
		log.Infof("process build_id: %s", info.BuildID)
		pack := newMetadataPack()
		if err := f.readFromDWARF(info.BuildID, info.Path, pack); err != nil {
			return err
		}
		if err := pack.postProcessAndIndex(pack.rootSpace, ""); err != nil {
			return err
		}
		if err := f.pack.insert(pack); err != nil {
			return err
		}
	}
	return nil
}

// FetchDWPWithPath builds the index from split-debug files directly,
// treating each path as the .dwp file itself. Local mode and tests use
// this entry point.
func (f *Fetcher) FetchDWPWithPath(binaries []BinaryInfo) error {
	f.pack = newMetadataPack()
	f.cache.Purge()
	for _, info := range binaries {
		if err := f.pack.parseDWARF(info.Path, info.Path,
			f.config.ReadSubprograms, f.config.ParseThreadCount); err != nil {
			return err
		}
		if err := f.pack.postProcessAndIndex(f.pack.rootSpace, ""); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) readFromDWARF(buildID, path string, pack *metadataPack) error {
	binPath, binErr := f.retriever.RetrieveBinary(buildID, path)
	dwpPath, dwpErr := f.retriever.RetrieveDwpFile(buildID)
	switch {
	case binErr == nil && dwpErr == nil:
		return pack.parseDWARF(binPath, dwpPath, f.config.ReadSubprograms,
			f.config.ParseThreadCount)
	case binErr == nil:
		log.Warnf("failed to get dwp for build_id %s", buildID)
		return pack.parseDWARF(binPath, "", f.config.ReadSubprograms,
			f.config.ParseThreadCount)
	default:
		log.Warnf("failed to get binary and dwp for build_id %s", buildID)
	}
	return nil
}

// PointerSize returns the pointer byte size of the parsed binaries.
func (f *Fetcher) PointerSize() int64 { return f.pack.pointerSize }

// Dump renders the whole type space.
func (f *Fetcher) Dump(w io.Writer) { f.pack.rootSpace.Dump(w, 0) }

// GetType returns the type metadata for a qualified name. Returning a
// namespace is an error; only true types are valid results.
func (f *Fetcher) GetType(typeName string) (*TypeData, error) {
	if typeName == "" {
		return nil, status.InvalidArgumentf("type name cannot be empty")
	}
	names := SplitQualifiedName(typeName)
	typeData, err := f.searchType(f.pack.rootSpace, names, 0)
	if err != nil {
		return nil, err
	}
	if typeData.Kind == KindNamespace {
		return nil, status.InvalidArgumentf(
			"type name %s refers to a non-type namespace", typeName)
	}
	return typeData, nil
}

// GetCacheableType is GetType with a memo for repeated lookups within one
// Fetch epoch.
func (f *Fetcher) GetCacheableType(typeName string) (*TypeData, error) {
	if typeData, ok := f.cache.Get(typeName); ok {
		return typeData, nil
	}
	typeData, err := f.GetType(typeName)
	if err != nil {
		return nil, err
	}
	f.cache.Add(typeName, typeData)
	return typeData, nil
}

// GetField returns the field of typeName covering offset.
func (f *Fetcher) GetField(typeName string, offset int64) (*FieldData, error) {
	typeData, err := f.GetType(typeName)
	if err != nil {
		return nil, err
	}
	return typeData.FieldAt(offset)
}

// GetHeapAllocType returns the type name allocated at the given frame,
// recorded from producer heap-allocation tags.
func (f *Fetcher) GetHeapAllocType(frame Frame) (string, error) {
	if typeName, ok := f.pack.heapallocSites[frame]; ok {
		return typeName, nil
	}
	return "", status.NotFoundf(
		"no heapalloc site data for frame with func: %s at line %d with column %d",
		frame.FunctionName, frame.LineOffset, frame.Column)
}

// GetFormalParameters returns the recorded parameter type names for a
// linkage name or qualified type name.
func (f *Fetcher) GetFormalParameters(linkageName string) ([]string, error) {
	params, ok := f.pack.formalAndTemplateParams[linkageName]
	if !ok {
		return nil, status.NotFoundf("no subprogram data for %s", linkageName)
	}
	return params, nil
}

// searchType walks the TypeData tree along the split name path. Typedefs
// restart the search from the root, because the target can live in a
// completely different namespace hierarchy. The anonymous namespace
// descends greedily through synthesized Anon names.
func (f *Fetcher) searchType(parent *TypeData, names []string, cur int) (*TypeData, error) {
	curName := names[cur]

	if curName == "(anonymous namespace)" {
		for name, child := range parent.Types {
			if strings.HasPrefix(name, "Anon") && child.Kind == KindNamespace {
				if typeData, err := f.searchType(child, names, cur+1); err == nil {
					return typeData, nil
				}
			}
		}
		return nil, status.NotFoundf(
			"type not found, stuck in anonymous namespace: %s", mergeNames(names))
	}

	if target, ok := parent.Typedefs[curName]; ok {
		return f.GetType(target)
	}

	if cur == len(names)-1 {
		if child, ok := parent.Types[curName]; ok {
			return child, nil
		}
		return nil, status.NotFoundf("type not found: %s", mergeNames(names))
	}

	if child, ok := parent.Types[curName]; ok {
		if typeData, err := f.searchType(child, names, cur+1); err == nil {
			return typeData, nil
		}
	}
	// The target may hide behind an empty-named child, which captures
	// inheritance and base-subobject nesting.
	if child, ok := parent.Types[""]; ok {
		return f.searchType(child, names, cur+1)
	}
	return nil, status.NotFoundf("type not found: %s", mergeNames(names))
}

func (p *metadataPack) tryUpdatePointerSize(newSize int64) error {
	if p.pointerSize == 0 {
		p.pointerSize = newSize
	} else if p.pointerSize != newSize {
		return status.Internalf(
			"the address byte size is inconsistent in the debug info file")
	}
	return nil
}

// addTopLevelType is the only mutation shared across parse workers.
func (p *metadataPack) addTopLevelType(name string) *TypeData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rootSpace.ensureType(name)
}

// parseDWARF reads the binary and, if given, the split-debug file and
// populates the pack. Unit materialization fans out on a bounded worker
// pool; the type-space walk itself is sequential.
func (p *metadataPack) parseDWARF(binPath, dwpPath string, readSubprograms bool,
	parseThreadCount int) error {
	log.Infof("parsing dwarf file: %s", binPath)
	start := time.Now()

	ctx := newParseContext()

	var files []*dwarfFile
	if dwpPath != "" && dwpPath != binPath {
		dwpFile, err := loadDwarfFile(dwpPath)
		if err != nil {
			log.Warnf("failed to load split debug file %s: %v", dwpPath, err)
		} else {
			files = append(files, dwpFile)
		}
	}
	binFile, err := loadDwarfFile(binPath)
	if err != nil {
		if len(files) == 0 {
			return err
		}
		log.Warnf("failed to load binary %s: %v", binPath, err)
	} else {
		files = append(files, binFile)
	}

	var roots []*die
	for _, file := range files {
		if err := p.tryUpdatePointerSize(file.pointerSize); err != nil {
			return err
		}
		fileRoots, err := buildUnits(file.data, ctx, parseThreadCount)
		if err != nil {
			return err
		}
		roots = append(roots, fileRoots...)
	}

	// Signature pre-pass over all units, so that DW_AT_signature
	// references resolve while fields and parameters are parsed.
	for _, root := range roots {
		ctx.registerSignatures(root)
	}

	for _, root := range roots {
		for _, child := range root.children {
			p.visitChildDIE(p.rootSpace, child, readSubprograms, ctx)
		}
	}

	log.Infof("parsing took %v", time.Since(start))
	return nil
}

// buildUnits materializes every unit of one debug file. Workers only
// produce their own unit trees; the shared offset index is merged after
// the pool drains.
func buildUnits(data *dwarf.Data, ctx *parseContext, parseThreadCount int) ([]*die, error) {
	offsets, err := unitOffsets(data)
	if err != nil {
		return nil, err
	}

	type unitResult struct {
		root  *die
		index map[dwarf.Offset]*die
	}
	results := make([]unitResult, len(offsets))

	var g errgroup.Group
	if parseThreadCount > 1 {
		g.SetLimit(parseThreadCount)
	} else {
		g.SetLimit(1)
	}
	for i, offset := range offsets {
		g.Go(func() error {
			root, index, err := buildUnit(data, offset)
			if err != nil {
				return err
			}
			results[i] = unitResult{root: root, index: index}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	roots := make([]*die, 0, len(results))
	for _, res := range results {
		roots = append(roots, res.root)
		for offset, d := range res.index {
			ctx.byOffset[offset] = d
		}
	}
	return roots, nil
}

func (p *metadataPack) empty() bool {
	return len(p.rootSpace.Types) == 0 && len(p.rootSpace.Typedefs) == 0
}

// insert merges another pack into this one.
func (p *metadataPack) insert(other *metadataPack) error {
	if other.empty() {
		return nil
	}
	if p.pointerSize != 0 && p.pointerSize != other.pointerSize {
		return status.Internalf("pointer size inconsistent")
	}
	p.pointerSize = other.pointerSize
	for name, child := range other.rootSpace.Types {
		if _, ok := p.rootSpace.Types[name]; !ok {
			p.rootSpace.Types[name] = child
		}
	}
	for name, target := range other.rootSpace.Typedefs {
		p.rootSpace.Typedefs[name] = target
	}
	for name, params := range other.formalAndTemplateParams {
		if _, ok := p.formalAndTemplateParams[name]; !ok {
			p.formalAndTemplateParams[name] = params
		}
	}
	for frame, typeName := range other.heapallocSites {
		if _, ok := p.heapallocSites[frame]; !ok {
			p.heapallocSites[frame] = typeName
		}
	}
	return nil
}

// postProcessAndIndex walks the type space once after parsing: it hoists
// heap-allocation sites and parameter lists into the pack-level maps and
// assigns the finalized pointer size to pointer-like types.
func (p *metadataPack) postProcessAndIndex(typeData *TypeData, namespaceCtxt string) error {
	if typeData == nil {
		return nil
	}
	if typeData.Kind == KindNamespace && typeData.Name != "" {
		namespaceCtxt += "::" + typeData.Name
	}
	for frame, typeName := range typeData.HeapallocSites {
		p.heapallocSites[frame] = typeName
	}
	if len(typeData.FormalParameters) > 0 {
		if typeData.Kind == KindSubprogram {
			p.formalAndTemplateParams[typeData.Name] = typeData.FormalParameters
		} else {
			p.formalAndTemplateParams[namespaceCtxt+"::"+typeData.Name] =
				typeData.FormalParameters
		}
	}
	if typeData.Kind == KindPointerLike {
		typeData.Size = p.pointerSize
	}
	for _, child := range typeData.Types {
		if err := p.postProcessAndIndex(child, namespaceCtxt); err != nil {
			return err
		}
	}
	return nil
}
