// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3"
)

const (
	defaultArgLimit            = int64(-1)
	defaultArgParseThreadCount = 128
)

// Help strings for command line arguments
var (
	localHelp         = "Collect data from a local heap profile."
	outHelp           = "Output file path, defaults to stdout."
	statsHelp         = "Log stats about the type resolution and histogram building."
	verifyVerboseHelp = "Verify type trees and print out verbose information."
	typePrefixHelp    = "Comma-separated list of type-name prefixes to filter on. " +
		"If empty, will choose all types."
	onlyRecordsHelp     = "Ensure everything in the histogram is an object."
	callstackFilterHelp = "Comma-separated list of callstack mangled function names to " +
		"filter on. If empty, will choose all callstacks."
	flamegraphHelp     = "Dump a flamegraph of the type trees instead of the textual dump."
	limitHelp          = "Limit on the number of type trees to dump. If negative, dump all."
	dumpUnresolvedHelp = "Dump callstacks that are not resolved instead of " +
		"resolved type trees. For debugging."
	parseThreadCountHelp    = "Number of threads to use for parsing DWARF files."
	profileHelp             = "The local path for a raw heap profile."
	profiledBinaryHelp      = "The local path for the profiled binary."
	profiledBinaryDwarfHelp = "The local path for the dwarf file of the profiled binary. " +
		"Only used if the dwarf file is split from the binary, otherwise set to " +
		"the profiled binary."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
)

type arguments struct {
	local                    bool
	out                      string
	stats                    bool
	verifyVerbose            bool
	typePrefixFilter         string
	onlyRecords              bool
	callstackFilter          string
	flamegraph               bool
	limit                    int64
	dumpUnresolvedCallstacks bool
	parseThreadCount         int
	profile                  string
	profiledBinary           string
	profiledBinaryDwarf      string
	verboseMode              bool

	fs *flag.FlagSet
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("fieldaccess", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.callstackFilter, "callstack_filter", "", callstackFilterHelp)
	fs.BoolVar(&args.dumpUnresolvedCallstacks, "dump_unresolved_callstacks", false,
		dumpUnresolvedHelp)
	fs.BoolVar(&args.flamegraph, "flamegraph", false, flamegraphHelp)
	fs.Int64Var(&args.limit, "limit", defaultArgLimit, limitHelp)
	fs.BoolVar(&args.local, "local", false, localHelp)

	fs.StringVar(&args.profile, "memprof_profile", "", profileHelp)
	fs.StringVar(&args.profiledBinary, "memprof_profiled_binary", "", profiledBinaryHelp)
	fs.StringVar(&args.profiledBinaryDwarf, "memprof_profiled_binary_dwarf", "",
		profiledBinaryDwarfHelp)

	fs.BoolVar(&args.onlyRecords, "only_records", false, onlyRecordsHelp)
	fs.StringVar(&args.out, "out", "", outHelp)
	fs.IntVar(&args.parseThreadCount, "parse_thread_count", defaultArgParseThreadCount,
		parseThreadCountHelp)
	fs.BoolVar(&args.stats, "stats", false, statsHelp)

	fs.StringVar(&args.typePrefixFilter, "type_prefix_filter", "", typePrefixHelp)

	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.verifyVerbose, "verify_verbose", false, verifyVerboseHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("FIELDACCESS"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}

// splitList turns a comma-separated flag value into its elements.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var elems []string
	for _, elem := range strings.Split(value, ",") {
		if elem = strings.TrimSpace(elem); elem != "" {
			elems = append(elems, elem)
		}
	}
	return elems
}
