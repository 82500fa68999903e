// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package retriever resolves build ids and stored paths to local debug
// files. The local implementation only validates that paths exist and are
// readable; symbol-server backed implementations satisfy the same
// interface.
package retriever // import "github.com/accessprof/fieldaccess/retriever"

import (
	"debug/elf"
	"encoding/hex"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/accessprof/fieldaccess/status"
)

// Retriever locates debug files.
type Retriever interface {
	RetrieveBinary(buildID, storedPath string) (string, error)
	RetrieveDwpFile(buildID string) (string, error)
}

// Local resolves stored paths on the local filesystem.
type Local struct{}

// NewLocal returns a filesystem-backed retriever.
func NewLocal() *Local { return &Local{} }

// CheckExists reports whether path names a readable file.
func (r *Local) CheckExists(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		log.Debugf("path |%s| does not exist or is not accessible", path)
		return false
	}
	_ = f.Close()
	log.Debugf("path |%s| exists", path)
	return true
}

func (r *Local) RetrieveBinary(_, storedPath string) (string, error) {
	return r.retrieveFile(storedPath)
}

func (r *Local) RetrieveDwpFile(buildID string) (string, error) {
	return r.retrieveFile(buildID)
}

func (r *Local) retrieveFile(storedPath string) (string, error) {
	if r.CheckExists(storedPath) {
		return storedPath, nil
	}
	return "", status.NotFoundf("binary file not found: %s", storedPath)
}

// Mock maps build ids to fixed paths, for tests.
type Mock struct {
	modules map[string]string
}

// NewMock returns a retriever answering from the given build-id to path
// map.
func NewMock(modules map[string]string) *Mock {
	return &Mock{modules: modules}
}

func (r *Mock) RetrieveBinary(buildID, storedPath string) (string, error) {
	if path, ok := r.modules[buildID]; ok {
		return path, nil
	}
	if storedPath != "" {
		return storedPath, nil
	}
	return "", status.NotFoundf("no module for build id %s", buildID)
}

func (r *Mock) RetrieveDwpFile(buildID string) (string, error) {
	if path, ok := r.modules[buildID]; ok {
		return path, nil
	}
	return "", status.NotFoundf("no dwp for build id %s", buildID)
}

// GetBuildID reads the GNU build id note of an ELF binary and returns it
// as a lowercase hex string. Used by local mode to avoid manual build-id
// lookups.
func GetBuildID(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", status.InvalidArgumentf("cannot create object file for %s: %v", path, err)
	}
	defer f.Close()

	section := f.Section(".note.gnu.build-id")
	if section == nil {
		return "", status.NotFoundf("no build id note in %s", path)
	}
	data, err := section.Data()
	if err != nil {
		return "", err
	}
	// ELF note: namesz, descsz, type, "GNU\0", desc.
	if len(data) < 16 {
		return "", fmt.Errorf("malformed build id note in %s", path)
	}
	nameSize := f.ByteOrder.Uint32(data[0:4])
	descSize := f.ByteOrder.Uint32(data[4:8])
	nameEnd := 12 + int(nameSize+3)/4*4
	if nameEnd+int(descSize) > len(data) {
		return "", fmt.Errorf("malformed build id note in %s", path)
	}
	return hex.EncodeToString(data[nameEnd : nameEnd+int(descSize)]), nil
}
