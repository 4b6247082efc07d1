// Copyright (C) 2017-2021  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

package pipeline

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// TestId is a stable 128-bit digest of a test's source path.
type TestId [16]byte

// NewTestId derives the TestId of a test located at srcPath.
func NewTestId(srcPath string) TestId {
	sum := sha256.Sum256([]byte(srcPath))
	var id TestId
	copy(id[:], sum[:16])
	return id
}

func (id TestId) String() string { return hex.EncodeToString(id[:]) }

// CommitHash is the 128-bit prefix of a source repository's commit id.
type CommitHash [16]byte

// CommitHashFromHex parses the hex-encoded prefix of a commit hash.
func CommitHashFromHex(s string) (CommitHash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return CommitHash{}, errors.Wrap(err, "pipeline: invalid commit hash")
	}
	var h CommitHash
	n := copy(h[:], raw)
	if n < len(h) {
		return CommitHash{}, errors.Errorf("pipeline: commit hash %q too short", s)
	}
	return h, nil
}

func (h CommitHash) String() string { return hex.EncodeToString(h[:]) }

// GitCommitHash shells out to git to read the current commit id of dir and
// truncates it to CommitHash's 128-bit prefix.
func GitCommitHash(dir string) (CommitHash, error) {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return CommitHash{}, errors.Wrap(err, "pipeline: git rev-parse")
	}
	return CommitHashFromHex(strings.TrimSpace(string(out)))
}

// Phase names one of the pipeline's states, used both in checkpoint file
// names and in the sqlite catalog.
type Phase string

const (
	PhaseInitial            Phase = "initial"
	PhaseCompiled           Phase = "compiled"
	PhaseKnownCounts        Phase = "known-counts"
	PhaseAccumulatingTraces Phase = "accumulating-traces"
)

// rank orders phases by how advanced they are, most advanced last, so the
// catalog can prefer the most advanced checkpoint matching a commit prefix.
func (p Phase) rank() int {
	switch p {
	case PhaseInitial:
		return 0
	case PhaseCompiled:
		return 1
	case PhaseKnownCounts:
		return 2
	case PhaseAccumulatingTraces:
		return 3
	default:
		return -1
	}
}

// CheckpointName renders the file name a checkpoint of phase, commit and
// (for AccumulatingTraces) runCount is saved under:
// "<phase>[-<run count>]-<commit_hash>.bin".
func CheckpointName(phase Phase, commit CommitHash, runCount *int) string {
	if runCount != nil {
		return fmt.Sprintf("%s-%d-%s.bin", phase, *runCount, commit)
	}
	return fmt.Sprintf("%s-%s.bin", phase, commit)
}

// SaveCheckpoint gob-encodes state into scratchDir/name. gob is used rather
// than a third-party serialization format because the only serialization-
// adjacent library in this project's dependency surface is crawshaw.io/sqlite
// (a database engine, not a general record format) - stdlib encoding/gob,
// self-describing and schema-evolution-tolerant enough for a local
// checkpoint cache, is the better fit here.
func SaveCheckpoint(scratchDir, name string, state interface{}) error {
	path := filepath.Join(scratchDir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "pipeline: create checkpoint")
	}
	enc := gob.NewEncoder(f)
	if err := enc.Encode(state); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "pipeline: encode checkpoint")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "pipeline: close checkpoint")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "pipeline: rename checkpoint into place")
	}
	return nil
}

// LoadCheckpoint decodes a checkpoint file into state. A corrupt or
// unreadable checkpoint is reported as a plain error; the caller's policy
// (per SPEC_FULL.md / the error handling design) is to treat that as "no
// usable checkpoint" and restart the pipeline from Initial, not to abort.
func LoadCheckpoint(path string, state interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "pipeline: open checkpoint")
	}
	defer f.Close()

	dec := gob.NewDecoder(f)
	if err := dec.Decode(state); err != nil {
		return errors.Wrap(err, "pipeline: decode checkpoint")
	}
	return nil
}
