// Package partition walks the on-flash partition table and resolves the
// physical entries this library cares about: the OTA-data partition that
// holds the redundant UpgradeInfo copies, and the two application slots
// that trade the "running" and "inactive" roles as the sequence counter
// advances.
//
// The table format mirrors the ESP-IDF partition table layout: fixed-size
// 32-byte entries, each opening with a 2-byte magic number, terminated by
// an erased (0xFF-filled) entry. Offsets and sizes always come from the
// table itself — nothing here is board-specific or hard-coded.
package partition

import (
	"encoding/binary"
	"errors"

	"github.com/go-restruct/restruct"
	pkgerrors "github.com/pkg/errors"

	"github.com/openenterprise/botifactory-ota/flash"
)

// Type identifies the broad category of a partition table entry.
type Type uint8

const (
	TypeApp  Type = 0x00
	TypeData Type = 0x01
)

// Subtype identifies the specific role within a Type.
type Subtype uint8

const (
	// SubtypeOTAData marks the Data partition holding the two redundant
	// UpgradeInfo copies.
	SubtypeOTAData Subtype = 0x00
	// SubtypeAppOTABase is the subtype of App/OTA(0); App/OTA(1) is
	// SubtypeAppOTABase+1, and so on, matching ESP-IDF's ota_0/ota_1
	// convention.
	SubtypeAppOTABase Subtype = 0x10
)

const (
	entrySize   = 32
	magicValue  = uint16(0x50AA)
	nameMaxLen  = 16
	tableOffset = 0
)

var (
	ErrPartitionNotFound   = errors.New("partition: not found")
	ErrPartitionFoundTwice = errors.New("partition: found twice")
	ErrFlash               = errors.New("partition: flash error")
)

// rawEntry is the on-flash, fixed-size encoding of a partition table row.
type rawEntry struct {
	Magic   uint16
	Type    uint8
	Subtype uint8
	Offset  uint32
	Size    uint32
	Name    [nameMaxLen]byte
	Flags   uint32
}

// Entry is an immutable, parsed partition table row.
type Entry struct {
	Type    Type
	Subtype Subtype
	Name    string
	Offset  uint32
	Size    uint32
}

func (e rawEntry) toEntry() Entry {
	end := 0
	for end < len(e.Name) && e.Name[end] != 0 {
		end++
	}
	return Entry{
		Type:    Type(e.Type),
		Subtype: Subtype(e.Subtype),
		Name:    string(e.Name[:end]),
		Offset:  e.Offset,
		Size:    e.Size,
	}
}

// AppOTASubtype returns the subtype for App/OTA(i), i in {0, 1, ...}.
func AppOTASubtype(i uint8) Subtype {
	return SubtypeAppOTABase + Subtype(i)
}

// each calls fn for every well-formed entry in the table, stopping at the
// first erased (magic == 0xFFFF) or malformed entry. A read failure while
// walking the table is reported as ErrFlash, matching the distinction the
// original source draws between partition-table-internal flash failures
// and storage failures against an already-located partition.
func each(dev flash.Device, fn func(Entry) (stop bool, err error)) error {
	buf := make([]byte, entrySize)
	size := dev.Size()
	for off := uint32(tableOffset); off+entrySize <= size; off += entrySize {
		if err := dev.ReadAt(buf, off); err != nil {
			return pkgerrors.Wrap(ErrFlash, err.Error())
		}

		magic := binary.LittleEndian.Uint16(buf[0:2])
		if magic == 0xFFFF {
			return nil
		}
		if magic != magicValue {
			return nil
		}

		var raw rawEntry
		if err := restruct.Unpack(buf, binary.LittleEndian, &raw); err != nil {
			return pkgerrors.Wrap(ErrFlash, err.Error())
		}

		stop, err := fn(raw.toEntry())
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// FindOTAPartition returns the single Data/OTA entry.
func FindOTAPartition(dev flash.Device) (Entry, error) {
	return FindPartitionByType(dev, TypeData, SubtypeOTAData)
}

// FindPartitionByType returns the first entry matching (t, sub).
func FindPartitionByType(dev flash.Device, t Type, sub Subtype) (Entry, error) {
	var found Entry
	var ok bool
	err := each(dev, func(e Entry) (bool, error) {
		if e.Type == t && e.Subtype == sub {
			found, ok = e, true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, ErrPartitionNotFound
	}
	return found, nil
}

// FindPartitionByName returns the first entry whose name equals n.
func FindPartitionByName(dev flash.Device, n string) (Entry, error) {
	var found Entry
	var ok bool
	err := each(dev, func(e Entry) (bool, error) {
		if e.Name == n {
			found, ok = e, true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, ErrPartitionNotFound
	}
	return found, nil
}

// FindRunningPartition returns the App/OTA slot currently booted for the
// given sequence counter: (seq+1) mod 2.
func FindRunningPartition(dev flash.Device, seq uint32) (Entry, error) {
	return FindPartitionByType(dev, TypeApp, AppOTASubtype(uint8((seq+1)%2)))
}

// FindInactivePartition returns the App/OTA slot eligible to receive a new
// image for the given sequence counter: seq mod 2.
func FindInactivePartition(dev flash.Device, seq uint32) (Entry, error) {
	return FindPartitionByType(dev, TypeApp, AppOTASubtype(uint8(seq%2)))
}

// CheckNotDuplicated walks the whole table and returns ErrPartitionFoundTwice
// if more than one entry matches (t, sub). The source this library is
// grounded on does not de-duplicate by default (FindPartitionByType above
// returns the first match); callers who want strict validation call this
// explicitly.
func CheckNotDuplicated(dev flash.Device, t Type, sub Subtype) error {
	count := 0
	err := each(dev, func(e Entry) (bool, error) {
		if e.Type == t && e.Subtype == sub {
			count++
			if count > 1 {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if count > 1 {
		return ErrPartitionFoundTwice
	}
	return nil
}
