/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package suballoc hands out non-overlapping sub-ranges of a single
// contiguous address space of up to 2^32-1 bytes. It manages offsets and
// sizes only, never memory contents; typical use is sub-dividing a GPU
// heap, a pre-mapped arena or any other externally owned buffer.
//
// Free space is indexed by a two-level segregated-fit bin structure
// (32 top bins x 8 bottom bins each) so Alloc finds an approximate best
// fit with a constant number of bitmap scans. Adjacent free ranges are
// coalesced on Free.
//
// The allocator is NOT safe for concurrent use; callers synchronise
// externally.
package suballoc

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/mcache"
)

const (
	// DefaultMaxBlocks is the default block pool capacity. Every
	// contiguous used or free run occupies one pool record, so worst-case
	// usage grows with fragmentation.
	DefaultMaxBlocks = 128 * 1024

	// maxBlocksLimit keeps block indices disjoint from the head-marker
	// encoding and the unused sentinel.
	maxBlocksLimit = int(headMask)
)

var (
	// ErrOutOfMemory is returned by Alloc when no sufficiently large free
	// block exists, or when the requested size is zero.
	ErrOutOfMemory = errors.New("suballoc: out of memory")

	// ErrOutOfBlockSlots is returned by Alloc when splitting a block
	// would exceed the pool capacity configured at New.
	ErrOutOfBlockSlots = errors.New("suballoc: block pool exhausted")
)

// Allocation is the receipt for a sub-range handed out by Alloc.
// Pass it back to Free exactly once. Freeing it twice, or freeing it
// against a different allocator, is undefined.
type Allocation struct {
	Offset uint32
	Size   uint32

	node uint32
}

// Allocator manages the address space [0, totalSize). The zero value is
// not usable; construct with New or NewWithMaxBlocks and release with
// Close.
type Allocator struct {
	totalSize uint32
	freeBytes uint32

	// arena backs blocks and freeIDs; obtained from mcache at New and
	// returned by Close.
	arena   []byte
	blocks  []block
	freeIDs []uint32
	// freeOff is the next free-stack entry to hand out; the stack entries
	// below it name the live blocks.
	freeOff uint32

	binHeads   [binCount]uint32
	bottomBins [topBinCount]uint8
	topBins    uint32

	// headBlock is the block whose offset is 0.
	headBlock uint32
}

// New creates an allocator managing [0, totalSize) with the default
// block pool capacity.
func New(totalSize uint32) (*Allocator, error) {
	return NewWithMaxBlocks(totalSize, DefaultMaxBlocks)
}

// NewWithMaxBlocks creates an allocator managing [0, totalSize) with a
// block pool of maxBlocks records. The pool bounds how fragmented the
// space can get before Alloc fails with ErrOutOfBlockSlots.
func NewWithMaxBlocks(totalSize uint32, maxBlocks int) (*Allocator, error) {
	if totalSize == 0 {
		return nil, fmt.Errorf("totalSize must be > 0")
	}
	if maxBlocks < 1 || maxBlocks > maxBlocksLimit {
		return nil, fmt.Errorf("maxBlocks must be in [1, %d], got %d", maxBlocksLimit, maxBlocks)
	}

	// One arena holds both pool regions: maxBlocks block records followed
	// by the free-id stack. mcache memory is dirty; both regions are
	// fully initialised before use.
	arena := mcache.Malloc(maxBlocks * poolSlotSize)
	p := unsafe.Pointer(&arena[0])
	a := &Allocator{
		totalSize: totalSize,
		freeBytes: totalSize,
		arena:     arena,
		blocks:    unsafe.Slice((*block)(p), maxBlocks),
		freeIDs:   unsafe.Slice((*uint32)(unsafe.Add(p, maxBlocks*blockRecordSize)), maxBlocks),
	}
	for i := range a.freeIDs {
		a.freeIDs[i] = uint32(i)
	}
	for i := range a.binHeads {
		a.binHeads[i] = unused
	}

	// The whole range starts as one free block.
	a.insertSpatial(0, totalSize, unused, unused)
	return a, nil
}

// Close returns the backing arena to the byte cache. Call it exactly
// once per successful New; no method may be used afterwards.
func (a *Allocator) Close() {
	if a.arena == nil {
		return
	}
	mcache.Free(a.arena)
	a.arena = nil
	a.blocks = nil
	a.freeIDs = nil
}

// findFit returns the block to serve a request of size bytes, or
// unused. The fast path pops from the smallest populated bin whose
// lower bound covers size, so every block there fits by construction.
// When the request rounds past every populated bin, the floor bin may
// still hold a large-enough block (its sizes straddle the request);
// that last candidate list is scanned with explicit size checks.
func (a *Allocator) findFit(size uint32) uint32 {
	up := binUp(size)
	if up <= lastBin {
		if bin, ok := a.findNextBin(up); ok {
			return a.binHeads[bin]
		}
	}
	if down := binDown(size); down < up {
		for idx := a.binHeads[down]; idx != unused; idx = a.blocks[idx].binNext {
			if a.blocks[idx].size >= size {
				return idx
			}
		}
	}
	return unused
}

// Alloc reserves size bytes and returns the receipt needed to free
// them. The bin index is scanned for the smallest bin holding a fit,
// the block is detached from its bin list, and any remainder beyond
// size is refiled as a new free block.
//
// A failed Alloc leaves the allocator state untouched.
func (a *Allocator) Alloc(size uint32) (Allocation, error) {
	if size == 0 {
		return Allocation{}, ErrOutOfMemory
	}
	idx := a.findFit(size)
	if idx == unused {
		return Allocation{}, ErrOutOfMemory
	}
	blk := &a.blocks[idx]
	if blk.size < size {
		panic("suballoc: fit search returned undersized block")
	}
	remaining := blk.size - size

	// Reserve the split slot before mutating anything.
	if remaining > 0 && a.freeOff == uint32(len(a.freeIDs)) {
		return Allocation{}, ErrOutOfBlockSlots
	}

	a.binRemove(idx)
	blk.binPrev = unused
	blk.binNext = unused

	if remaining > 0 {
		a.insertSpatial(blk.offset+size, remaining, idx, blk.memNext)
		blk.size = size
	}
	a.freeBytes -= size
	return Allocation{Offset: blk.offset, Size: size, node: idx}, nil
}

// Free returns an allocation to the allocator, merging it with any free
// spatial neighbour so that no two adjacent blocks are ever both free.
func (a *Allocator) Free(al Allocation) {
	idx := al.node
	blk := a.blocks[idx] // local copy survives the release below
	a.release(idx)
	a.freeBytes += blk.size

	offset := blk.offset
	size := blk.size
	memPrev := blk.memPrev
	memNext := blk.memNext
	if memPrev != unused {
		if p := a.blocks[memPrev]; !p.used() {
			offset = p.offset
			size += p.size
			a.binRemove(memPrev)
			a.release(memPrev)
			memPrev = p.memPrev
		}
	}
	if memNext != unused {
		if n := a.blocks[memNext]; !n.used() {
			size += n.size
			a.binRemove(memNext)
			a.release(memNext)
			memNext = n.memNext
		}
	}

	// The free-id stack is LIFO, so the merged block reoccupies the most
	// recently released slot.
	a.insertSpatial(offset, size, memPrev, memNext)
}

// Available returns the total free bytes. Fragmentation may keep a
// single Alloc of this size from succeeding.
func (a *Allocator) Available() uint32 { return a.freeBytes }

// TotalSize returns the size of the managed space.
func (a *Allocator) TotalSize() uint32 { return a.totalSize }

// MaxBlocks returns the block pool capacity.
func (a *Allocator) MaxBlocks() int { return len(a.blocks) }
