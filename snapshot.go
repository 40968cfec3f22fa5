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

package suballoc

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/bytedance/gopkg/util/xxhash3"
)

// Snapshot layout, little-endian:
//
//	magic u32 | version u32 | totalSize u32 | maxBlocks u32 |
//	freeOff u32 | headBlock u32 | topBins u32 | freeBytes u32 |
//	bottomBins [32]u8 | binHeads [256]u32 |
//	freeIDs [maxBlocks]u32 | blocks [maxBlocks]{offset, size, binPrev, binNext, memPrev, memNext} |
//	xxhash3 of everything above, u64
const (
	snapMagic   uint32 = 0x5ABA110C
	snapVersion uint32 = 1

	snapHeaderLen = 8*4 + topBinCount + binCount*4
	snapFooterLen = 8
)

func snapLen(maxBlocks int) int {
	return snapHeaderLen + maxBlocks*poolSlotSize + snapFooterLen
}

// Snapshot encodes the complete allocator state into one flat buffer.
// Inter-block links are pool indices, so this is a plain field copy:
// the restored allocator reuses the same indices and outstanding
// Allocation receipts stay valid against it.
//
// Every byte of the returned buffer is written, so it is allocated
// without zeroing.
func (a *Allocator) Snapshot() []byte {
	n := snapLen(len(a.blocks))
	buf := dirtmake.Bytes(n, n)
	binary.LittleEndian.PutUint32(buf[0:], snapMagic)
	binary.LittleEndian.PutUint32(buf[4:], snapVersion)
	binary.LittleEndian.PutUint32(buf[8:], a.totalSize)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(a.blocks)))
	binary.LittleEndian.PutUint32(buf[16:], a.freeOff)
	binary.LittleEndian.PutUint32(buf[20:], a.headBlock)
	binary.LittleEndian.PutUint32(buf[24:], a.topBins)
	binary.LittleEndian.PutUint32(buf[28:], a.freeBytes)
	copy(buf[32:], a.bottomBins[:])
	off := 32 + topBinCount
	for i := range a.binHeads {
		binary.LittleEndian.PutUint32(buf[off:], a.binHeads[i])
		off += 4
	}
	for _, id := range a.freeIDs {
		binary.LittleEndian.PutUint32(buf[off:], id)
		off += 4
	}
	for i := range a.blocks {
		blk := &a.blocks[i]
		binary.LittleEndian.PutUint32(buf[off:], blk.offset)
		binary.LittleEndian.PutUint32(buf[off+4:], blk.size)
		binary.LittleEndian.PutUint32(buf[off+8:], blk.binPrev)
		binary.LittleEndian.PutUint32(buf[off+12:], blk.binNext)
		binary.LittleEndian.PutUint32(buf[off+16:], blk.memPrev)
		binary.LittleEndian.PutUint32(buf[off+20:], blk.memNext)
		off += blockRecordSize
	}
	binary.LittleEndian.PutUint64(buf[off:], xxhash3.Hash(buf[:off]))
	return buf
}

// Restore rebuilds an allocator from a Snapshot buffer. Corrupted or
// truncated input is rejected with an error, never a panic.
func Restore(data []byte) (*Allocator, error) {
	if len(data) < snapHeaderLen+snapFooterLen {
		return nil, fmt.Errorf("snapshot too short: %d bytes", len(data))
	}
	if m := binary.LittleEndian.Uint32(data[0:]); m != snapMagic {
		return nil, fmt.Errorf("bad snapshot magic 0x%08x", m)
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != snapVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", v)
	}
	totalSize := binary.LittleEndian.Uint32(data[8:])
	maxBlocks := int(binary.LittleEndian.Uint32(data[12:]))
	if totalSize == 0 || maxBlocks < 1 || maxBlocks > maxBlocksLimit {
		return nil, fmt.Errorf("corrupt snapshot header: totalSize=%d maxBlocks=%d", totalSize, maxBlocks)
	}
	if len(data) != snapLen(maxBlocks) {
		return nil, fmt.Errorf("snapshot length %d, want %d", len(data), snapLen(maxBlocks))
	}
	payload := data[:len(data)-snapFooterLen]
	want := binary.LittleEndian.Uint64(data[len(data)-snapFooterLen:])
	if got := xxhash3.Hash(payload); got != want {
		return nil, fmt.Errorf("snapshot checksum mismatch: got 0x%016x, want 0x%016x", got, want)
	}
	freeOff := binary.LittleEndian.Uint32(data[16:])
	headBlock := binary.LittleEndian.Uint32(data[20:])
	if freeOff > uint32(maxBlocks) || headBlock >= uint32(maxBlocks) {
		return nil, fmt.Errorf("corrupt snapshot header: freeOff=%d headBlock=%d", freeOff, headBlock)
	}

	arena := mcache.Malloc(maxBlocks * poolSlotSize)
	p := unsafe.Pointer(&arena[0])
	a := &Allocator{
		totalSize: totalSize,
		freeBytes: binary.LittleEndian.Uint32(data[28:]),
		arena:     arena,
		blocks:    unsafe.Slice((*block)(p), maxBlocks),
		freeIDs:   unsafe.Slice((*uint32)(unsafe.Add(p, maxBlocks*blockRecordSize)), maxBlocks),
		freeOff:   freeOff,
		topBins:   binary.LittleEndian.Uint32(data[24:]),
		headBlock: headBlock,
	}
	copy(a.bottomBins[:], data[32:32+topBinCount])
	off := 32 + topBinCount
	for i := range a.binHeads {
		a.binHeads[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	for i := range a.freeIDs {
		a.freeIDs[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	for i := range a.blocks {
		blk := &a.blocks[i]
		blk.offset = binary.LittleEndian.Uint32(data[off:])
		blk.size = binary.LittleEndian.Uint32(data[off+4:])
		blk.binPrev = binary.LittleEndian.Uint32(data[off+8:])
		blk.binNext = binary.LittleEndian.Uint32(data[off+12:])
		blk.memPrev = binary.LittleEndian.Uint32(data[off+16:])
		blk.memNext = binary.LittleEndian.Uint32(data[off+20:])
		off += blockRecordSize
	}
	return a, nil
}
