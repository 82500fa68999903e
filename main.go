// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// fieldaccess attributes memory-access histograms from a heap profile to
// the fields of the C++ types that were actually allocated, using the
// DWARF debug information of the profiled binary.
package main

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/accessprof/fieldaccess/histbuilder"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		log.Errorf("failure to parse arguments: %v", err)
		return exitFailure
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
	}

	if !args.local {
		log.Error("must choose local mode for fieldaccess")
		return exitFailure
	}
	if args.profiledBinary == "" {
		log.Error("profiled binary must be specified with -local mode")
		return exitFailure
	}
	if args.profile == "" {
		log.Error("raw profile must be specified with -local mode")
		return exitFailure
	}
	if args.profiledBinaryDwarf == "" {
		log.Infof("setting local .dwp file to %s", args.profiledBinary)
		args.profiledBinaryDwarf = args.profiledBinary
	}

	log.Info("running field access tool in local mode")
	builder, err := histbuilder.NewLocalBuilder(histbuilder.Options{
		Profile:                  args.profile,
		ProfiledBinary:           args.profiledBinary,
		ProfiledBinaryDwarf:      args.profiledBinaryDwarf,
		TypePrefixFilter:         splitList(args.typePrefixFilter),
		CallstackFilter:          splitList(args.callstackFilter),
		OnlyRecords:              args.onlyRecords,
		VerifyVerbose:            args.verifyVerbose,
		DumpUnresolvedCallstacks: args.dumpUnresolvedCallstacks,
		ParseThreadCount:         args.parseThreadCount,
	})
	if err != nil {
		log.Errorf("failed to create histogram builder: %v", err)
		return exitFailure
	}

	results, err := builder.BuildHistogram()
	if err != nil {
		log.Errorf("failed to build histogram: %v", err)
		return exitFailure
	}

	out := io.Writer(os.Stdout)
	if args.out != "" {
		f, err := os.Create(args.out)
		if err != nil {
			log.Errorf("failed to open output file: %v", err)
			return exitFailure
		}
		defer f.Close()
		out = f
	}

	switch {
	case args.dumpUnresolvedCallstacks:
		// The unresolved stacks were already written while building.
	case args.flamegraph:
		results.TypeTreeStore.DumpFlamegraph(out, args.limit)
	default:
		results.TypeTreeStore.Dump(out, args.limit)
	}

	if args.stats {
		results.Stats.Log()
	}
	return exitSuccess
}
