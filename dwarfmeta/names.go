// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfmeta // import "github.com/accessprof/fieldaccess/dwarfmeta"

import (
	"strings"
)

// Wrapper types whose byte representation hides the allocated element
// type behind a char[N] buffer. The element type is recovered from the
// wrapper's template argument.
var membufWrappers = []string{
	"__gnu_cxx::__aligned_membuf", // in std::map and std::set
	"__gnu_cxx::__aligned_buffer", // in unordered_map and unordered_set
}

const (
	anonPrefix    = "Anon_"
	anonSigPrefix = "AnonSig_"
)

// SplitQualifiedName splits the namespace (or type/function name) path of
// a full name at top-level "::", ignoring separators inside angle
// brackets. e.g. "AAA::BBB<T>::CCC(aaa)" => {"AAA", "BBB<T>", "CCC(aaa)"}.
func SplitQualifiedName(typeName string) []string {
	if typeName == "" {
		return nil
	}
	var names []string
	prev, depth := 0, 0
	for i := 0; i+1 < len(typeName); i++ {
		switch typeName[i] {
		case '<':
			depth++
		case '>':
			depth--
		case ':':
			if typeName[i+1] == ':' && depth == 0 {
				names = append(names, typeName[prev:i])
				prev = i + 2
				i++
			}
		}
	}
	names = append(names, typeName[prev:])
	return names
}

// ConsumeAngleBracket returns the content of the outermost angle-bracket
// group of s, with a trailing space before the closing bracket removed.
// Returns the empty string if there is no balanced group.
func ConsumeAngleBracket(s string) string {
	opened, closed := 0, 0
	start, end := 0, len(s)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			if opened == 0 {
				start = i + 1
			}
			opened++
		case '>':
			closed++
			if closed == opened {
				end = i
				if i > 0 && s[i-1] == ' ' {
					end = i - 1
				}
				return s[start:end]
			}
		}
	}
	if start == 0 {
		return ""
	}
	return s[start:end]
}

// UnwrapParameterizedStorage recovers the element type wrapped by an
// aligned storage buffer. std::map<std::pair<A, B>> nodes store the pair
// inside __gnu_cxx::__aligned_membuf<std::pair<A, B>>, whose own type is
// char[N]; the template argument is the real allocation type. The second
// return is false when typeName is not a known wrapper.
func UnwrapParameterizedStorage(typeName string) (string, bool) {
	for _, wrapper := range membufWrappers {
		if strings.HasPrefix(typeName, wrapper) {
			return ConsumeAngleBracket(typeName), true
		}
	}
	return "", false
}

func mergeNames(names []string) string {
	return strings.Join(names, "::")
}
