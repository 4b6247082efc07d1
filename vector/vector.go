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

// Package vector turns a recorded trace into an OutputVector: for every
// tracepoint of interest, the original-trace rank (ogrank) at which it was
// reached. Comparing two runs' output vectors is how the harness decides
// whether a perturbed run was still a successful, order-equivalent
// execution or diverged into a different state machine path.
//
// OutputVector storage is structurally shared: each vector is built as a
// binary tree of fixed-size leaf chunks, and every distinct chunk or
// interior node is interned once in an OutputVectorRegistry keyed by
// content hash, the same way the original implementation deduplicates
// identical sub-vectors across the many runs a fuzzing campaign produces.
package vector

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"hash"
	"hash/fnv"
	"sync"

	"github.com/lf-rti-testbed/ordserv/internal/csvtrace"
	"github.com/lf-rti-testbed/ordserv/internal/xmath"
)

// ChunkSize is the number of ogranks stored directly in an OutputVector leaf
// before the tree fans out into child nodes.
const ChunkSize = 32

// TracePointId identifies a distinct kind of tracepoint: a content hash of
// the fields of a TraceRecord that are expected to be invariant across runs
// (event kind, reactor, source/destination, logical time, trigger, extra
// delay) - deliberately excluding wall-clock fields like elapsed physical
// time.
type TracePointId uint64

// NewTracePointId computes the TracePointId of a trace record.
func NewTracePointId(tr csvtrace.TraceRecord) TracePointId {
	h := fnv.New64a()
	writeString(h, tr.Event)
	writeString(h, tr.Reactor)
	writeInt64(h, int64(tr.Source))
	writeInt64(h, int64(tr.Destination))
	writeInt64(h, tr.ElapsedLogicalTime)
	writeInt64(h, tr.Microstep)
	writeString(h, tr.Trigger)
	writeInt64(h, tr.ExtraDelay)
	return TracePointId(h.Sum64())
}

func writeString(h hash.Hash64, s string) { _, _ = h.Write([]byte(s)) }

func writeInt64(h hash.Hash64, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, _ = h.Write(buf[:])
}

// VectorfyStatus reports whether vectorfying a trace against an
// OutputVectorKey encountered tracepoints the key did not expect to see:
// VectorfyMissingTracePointId for a record whose tracepoint has no slot in
// the key, VectorfyExtraTracePointId for a record whose tracepoint occurs
// more often than the key has slots for it. When both happen, the one from
// the later record in scan order wins. A tracepoint the key expects but the
// trace contains fewer times than expected is not reported.
type VectorfyStatus int

const (
	VectorfyOk VectorfyStatus = iota
	VectorfyMissingTracePointId
	VectorfyExtraTracePointId
)

func (s VectorfyStatus) String() string {
	switch s {
	case VectorfyOk:
		return "ok"
	case VectorfyMissingTracePointId:
		return "missing-tracepoint"
	case VectorfyExtraTracePointId:
		return "extra-tracepoint"
	default:
		return "unknown"
	}
}

// TraceHash is a pair of rolling hashes over a trace: Coarse ignores
// reactor/source identity (so two runs that visit the same event kinds at
// the same logical times, but via different reactor instances, hash
// equal), Fine distinguishes them. Comparing Coarse first lets a pipeline
// cheaply bucket candidate-equivalent runs before the more expensive
// output-vector comparison.
type TraceHash struct {
	Coarse uint64
	Fine   uint64
}

// TraceHasher accumulates a TraceHash incrementally over a stream of trace
// records, mirroring the two-tier hashing the harness uses to bucket runs
// before the full OutputVector comparison.
type TraceHasher struct {
	coarse hash.Hash64
	fine   hash.Hash64
}

// NewTraceHasher returns a fresh TraceHasher.
func NewTraceHasher() *TraceHasher {
	return &TraceHasher{coarse: fnv.New64a(), fine: fnv.New64a()}
}

// Update folds one more trace record into the running hashes.
func (h *TraceHasher) Update(tr csvtrace.TraceRecord) {
	writeString(h.coarse, tr.Event)
	writeInt64(h.coarse, int64(tr.Destination))
	writeInt64(h.coarse, tr.ElapsedLogicalTime)
	writeInt64(h.coarse, tr.Microstep)

	writeString(h.fine, tr.Event)
	writeString(h.fine, tr.Reactor)
	writeInt64(h.fine, int64(tr.Source))
	writeInt64(h.fine, int64(tr.Destination))
	writeInt64(h.fine, tr.ElapsedLogicalTime)
	writeInt64(h.fine, tr.Microstep)
}

// Finish returns the accumulated TraceHash.
func (h *TraceHasher) Finish() TraceHash {
	return TraceHash{Coarse: h.coarse.Sum64(), Fine: h.fine.Sum64()}
}

// NodeID references a node in an OutputVectorRegistry's content-addressed
// arena.
type NodeID uint64

type leafChunk struct {
	relRanks [ChunkSize]int32
}

type nodePair struct {
	left  NodeID
	right NodeID
	hasR  bool
}

// Registry interns OutputVector tree nodes by content hash, so that runs
// sharing long identical subsequences of ogranks share storage.
type Registry struct {
	mu      sync.Mutex
	id2leaf map[NodeID]leafChunk
	id2pair map[NodeID]nodePair
	hash2id map[uint64]NodeID
	nextID  NodeID
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		id2leaf: make(map[NodeID]leafChunk),
		id2pair: make(map[NodeID]nodePair),
		hash2id: make(map[uint64]NodeID),
	}
}

// registrySnapshot is the GobEncode/GobDecode wire shape of a Registry: its
// arena contents, with leafChunk's fixed-size array and nodePair's fields
// all already exported-by-value so gob can see them without reflecting into
// Registry's own unexported fields.
type registrySnapshot struct {
	Leaves map[NodeID][ChunkSize]int32
	Pairs  map[NodeID][2]int64 // [left, right-or--1]
	NextID NodeID
}

// GobEncode serializes the registry's interned arena. hash2id is not
// persisted - it is rebuilt from id2leaf/id2pair on decode, since it exists
// purely to make future interning calls find existing nodes and carries no
// information not already in the arena maps.
func (r *Registry) GobEncode() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := registrySnapshot{
		Leaves: make(map[NodeID][ChunkSize]int32, len(r.id2leaf)),
		Pairs:  make(map[NodeID][2]int64, len(r.id2pair)),
		NextID: r.nextID,
	}
	for id, c := range r.id2leaf {
		snap.Leaves[id] = c.relRanks
	}
	for id, p := range r.id2pair {
		right := int64(-1)
		if p.hasR {
			right = int64(p.right)
		}
		snap.Pairs[id] = [2]int64{int64(p.left), right}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode restores a registry previously written by GobEncode, rebuilding
// hash2id so that further interning calls correctly dedupe against the
// restored arena.
func (r *Registry) GobDecode(data []byte) error {
	var snap registrySnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return err
	}

	r.id2leaf = make(map[NodeID]leafChunk, len(snap.Leaves))
	r.id2pair = make(map[NodeID]nodePair, len(snap.Pairs))
	r.hash2id = make(map[uint64]NodeID, len(snap.Leaves)+len(snap.Pairs))
	r.nextID = snap.NextID

	for id, relRanks := range snap.Leaves {
		c := leafChunk{relRanks: relRanks}
		r.id2leaf[id] = c
		r.hash2id[hashLeaf(c)] = id
	}
	for id, lr := range snap.Pairs {
		p := nodePair{left: NodeID(lr[0])}
		if lr[1] >= 0 {
			p.right, p.hasR = NodeID(lr[1]), true
		}
		r.id2pair[id] = p
		r.hash2id[hashPair(p)] = id
	}
	return nil
}

func (r *Registry) internLeaf(c leafChunk) NodeID {
	h := hashLeaf(c)
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.hash2id[h]; ok {
		return id
	}
	id := r.nextID
	r.nextID++
	r.id2leaf[id] = c
	r.hash2id[h] = id
	return id
}

func (r *Registry) internPair(p nodePair) NodeID {
	h := hashPair(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.hash2id[h]; ok {
		return id
	}
	id := r.nextID
	r.nextID++
	r.id2pair[id] = p
	r.hash2id[h] = id
	return id
}

func hashLeaf(c leafChunk) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, rank := range c.relRanks {
		binary.LittleEndian.PutUint32(buf[:], uint32(rank))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

func hashPair(p nodePair) uint64 {
	h := fnv.New64a()
	writeInt64(h, int64(p.left))
	if p.hasR {
		writeInt64(h, int64(p.right))
	} else {
		writeInt64(h, -1)
	}
	return h.Sum64()
}

// OutputVector is a content-deduplicated record of which ogrank each
// tracepoint of interest was reached at in one run.
type OutputVector struct {
	Root NodeID
	Len  int
}

// NewOutputVector builds an OutputVector out of ov (indexed by tracepoint
// slot, valued by ogrank), interning every chunk/node into reg.
func NewOutputVector(ov []uint32, reg *Registry) OutputVector {
	return OutputVector{Root: buildNode(ov, reg, 0), Len: len(ov)}
}

func buildNode(ov []uint32, reg *Registry, start int) NodeID {
	if len(ov) <= ChunkSize {
		var chunk leafChunk
		for i, rank := range ov {
			chunk.relRanks[i] = int32(rank) - int32(start)
		}
		return reg.internLeaf(chunk)
	}

	mid := int(xmath.CeilPow2(uint64(len(ov) / 2)))
	left := buildNode(ov[:mid], reg, start)
	right := buildNode(ov[mid:], reg, start+mid)
	return reg.internPair(nodePair{left: left, right: right, hasR: true})
}

// OutputVectorKey maps each TracePointId expected in a realizable run to the
// (possibly repeated) slot indices it should occupy in that run's
// OutputVector, derived once from a known-good reference trace.
type OutputVectorKey struct {
	Slots        map[TracePointId][]int
	NTracePoints int
	Registry     *Registry
}

// NewOutputVectorKey derives an OutputVectorKey from the tracepoint
// sequence of a reference (known-correct) run.
func NewOutputVectorKey(tpis []TracePointId) *OutputVectorKey {
	slots := make(map[TracePointId][]int)
	for idx, tpi := range tpis {
		slots[tpi] = append(slots[tpi], idx)
	}
	return &OutputVectorKey{Slots: slots, NTracePoints: len(tpis), Registry: NewRegistry()}
}

// Vectorfy maps records onto this key's slot layout, returning the resulting
// OutputVector, a two-tier TraceHash of the raw record stream, and whether
// every tracepoint in records was expected (see VectorfyStatus). Slots of
// expected tracepoints that records never reach are left at 0 and do not
// change the status.
func (k *OutputVectorKey) Vectorfy(records []csvtrace.TraceRecord) (OutputVector, TraceHash, VectorfyStatus) {
	ov := make([]uint32, k.NTracePoints)
	th := NewTraceHasher()
	status := VectorfyOk
	subidx := make(map[TracePointId]int)

	for rank, tr := range records {
		tpi := NewTracePointId(tr)
		if idxs, ok := k.Slots[tpi]; ok {
			i := subidx[tpi]
			if i < len(idxs) {
				ov[idxs[i]] = uint32(rank)
				subidx[tpi] = i + 1
			} else {
				status = VectorfyExtraTracePointId
			}
		} else {
			status = VectorfyMissingTracePointId
		}
		th.Update(tr)
	}

	return NewOutputVector(ov, k.Registry), th.Finish(), status
}
