// Package savestate implements the versioned, fixed-slot binary container
// used to persist and restore a running core. The container itself only
// frames opaque per-subsystem blobs; each subsystem remains responsible for
// encoding its own state (the core packages use encoding/gob internally).
package savestate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

var magic = [4]byte{'W', 'B', 'S', 'S'}

// Format version of the container framing itself (not the core revision).
const formatVersion = 1

// Slot identifiers. Values are stable across releases; a slot absent from a
// given save simply means that subsystem had nothing to restore.
const (
	SlotPPU  uint32 = 1
	SlotCPU  uint32 = 2
	SlotBus  uint32 = 3
	SlotCart uint32 = 4
	SlotAPU  uint32 = 6
)

// ErrInvalidSaveState is returned when data does not look like a save state
// produced by this container (bad magic, truncated framing, version skew).
var ErrInvalidSaveState = errors.New("savestate: invalid or unreadable save state")

// Encode frames the given slot payloads behind a magic/version/coreRevision
// header. coreRevision lets a loader refuse a state written by an
// incompatible build of the emulation core. Slots are written in ascending
// ID order so two Encode calls over equal slot contents always produce
// byte-identical output — map iteration order is not stable otherwise.
func Encode(coreRevision uint32, slots map[uint32][]byte) []byte {
	ids := make([]uint32, 0, len(slots))
	for id := range slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint32(formatVersion))
	_ = binary.Write(&buf, binary.LittleEndian, coreRevision)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(slots)))
	for _, id := range ids {
		payload := slots[id]
		_ = binary.Write(&buf, binary.LittleEndian, id)
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
		buf.Write(payload)
	}
	return buf.Bytes()
}

// Decode parses a container produced by Encode. wantCoreRevision is compared
// against the stored revision; a mismatch is reported via ok=false so callers
// can surface InvalidSaveState rather than load mismatched subsystem data.
func Decode(data []byte, wantCoreRevision uint32) (slots map[uint32][]byte, ok bool, err error) {
	r := bytes.NewReader(data)
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil || m != magic {
		return nil, false, ErrInvalidSaveState
	}
	var version, coreRevision, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, false, ErrInvalidSaveState
	}
	if version != formatVersion {
		return nil, false, fmt.Errorf("%w: unsupported container version %d", ErrInvalidSaveState, version)
	}
	if err := binary.Read(r, binary.LittleEndian, &coreRevision); err != nil {
		return nil, false, ErrInvalidSaveState
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, false, ErrInvalidSaveState
	}
	slots = make(map[uint32][]byte, count)
	for i := uint32(0); i < count; i++ {
		var id, length uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, false, ErrInvalidSaveState
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, false, ErrInvalidSaveState
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, false, ErrInvalidSaveState
		}
		slots[id] = payload
	}
	return slots, coreRevision == wantCoreRevision, nil
}
