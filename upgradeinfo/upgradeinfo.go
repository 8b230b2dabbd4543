// Package upgradeinfo defines the 32-byte, little-endian UpgradeInfo record
// the bootloader consults to pick a boot slot, and the two-copy redundant
// layout that protects it against a power loss mid-write.
package upgradeinfo

import (
	"encoding/binary"
	"errors"

	pkgerrors "github.com/pkg/errors"

	"github.com/openenterprise/botifactory-ota/crc"
	"github.com/openenterprise/botifactory-ota/flash"
	"github.com/openenterprise/botifactory-ota/partition"
)

// LabelSize is the width of the opaque build label field.
const LabelSize = 20

// Size is the on-flash width of an encoded UpgradeInfo record.
const Size = 32

// State is the bootloader's upgrade state machine. The numeric encodings
// are dictated by the bootloader contract and must not be renumbered.
type State uint32

const (
	StateNew           State = 0
	StatePendingVerify State = 1
	StateValid         State = 2
	StateInvalid       State = 3
	StateAborted       State = 4
	StateUndefined     State = 0xFFFFFFFF
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StatePendingVerify:
		return "PendingVerify"
	case StateValid:
		return "Valid"
	case StateInvalid:
		return "Invalid"
	case StateAborted:
		return "Aborted"
	case StateUndefined:
		return "Undefined"
	default:
		return "Unknown"
	}
}

func decodeState(v uint32) (State, error) {
	switch State(v) {
	case StateNew, StatePendingVerify, StateValid, StateInvalid, StateAborted, StateUndefined:
		return State(v), nil
	default:
		return 0, ErrInvalidState
	}
}

var (
	ErrInvalidState = errors.New("upgradeinfo: invalid state encoding")
	ErrInvalidCrc   = errors.New("upgradeinfo: seq_crc mismatch")
	ErrStorage      = errors.New("upgradeinfo: storage error")
)

// Info is the in-memory, validated form of the on-flash UpgradeInfo record.
type Info struct {
	Seq    uint32
	Label  [LabelSize]byte
	State  State
	SeqCRC uint32
}

// New returns a freshly constructed record in State New, with seq_crc
// computed over seq at construction time.
func New(seq uint32, label [LabelSize]byte) Info {
	var seqBytes [4]byte
	binary.LittleEndian.PutUint32(seqBytes[:], seq)
	return Info{
		Seq:    seq,
		Label:  label,
		State:  StateNew,
		SeqCRC: crc.CRC32(seqBytes[:]),
	}
}

// WithSeq returns a copy of i with Seq set to seq and SeqCRC recomputed
// over the new seq bytes, leaving Label and State unchanged. Callers that
// need to move the sequence counter outside of New must go through this
// rather than assigning Seq directly, or the persisted seq_crc goes stale
// and the record becomes undecodable.
func (i Info) WithSeq(seq uint32) Info {
	var seqBytes [4]byte
	binary.LittleEndian.PutUint32(seqBytes[:], seq)
	i.Seq = seq
	i.SeqCRC = crc.CRC32(seqBytes[:])
	return i
}

// BlankLabel returns the 20-byte "unused" label: all bytes 0xFF.
func BlankLabel() [LabelSize]byte {
	var l [LabelSize]byte
	for i := range l {
		l[i] = 0xFF
	}
	return l
}

// Decode parses a 32-byte on-flash buffer in declared field order,
// rejecting unknown state encodings and CRC mismatches.
func Decode(buf [Size]byte) (Info, error) {
	seq := binary.LittleEndian.Uint32(buf[0:4])
	var label [LabelSize]byte
	copy(label[:], buf[4:24])
	stateVal := binary.LittleEndian.Uint32(buf[24:28])
	seqCRC := binary.LittleEndian.Uint32(buf[28:32])

	state, err := decodeState(stateVal)
	if err != nil {
		return Info{}, err
	}

	var seqBytes [4]byte
	binary.LittleEndian.PutUint32(seqBytes[:], seq)
	if seqCRC != crc.CRC32(seqBytes[:]) {
		return Info{}, ErrInvalidCrc
	}

	return Info{Seq: seq, Label: label, State: state, SeqCRC: seqCRC}, nil
}

// Encode is a pure layout operation: seq_crc is whatever was computed at
// construction/decode time, not recomputed here.
func (i Info) Encode() [Size]byte {
	var buf [Size]byte
	binary.LittleEndian.PutUint32(buf[0:4], i.Seq)
	copy(buf[4:24], i.Label[:])
	binary.LittleEndian.PutUint32(buf[24:28], uint32(i.State))
	binary.LittleEndian.PutUint32(buf[28:32], i.SeqCRC)
	return buf
}

// IsValid reports whether the bootloader is permitted to boot this slot
// without restriction: State is Valid or Undefined (freshly erased flash).
func (i Info) IsValid() bool {
	return i.State == StateValid || i.State == StateUndefined
}

// FromFlash reads the OTA-data partition's two redundant copies, preferring
// copy 1 (offset 0) and falling back to copy 2 (offset SectorSize) if copy
// 1 fails to decode — copy 1 may be mid-update, copy 2 is the prior
// committed state. Any failure at copy 2 collapses to ErrStorage rather
// than surfacing the raw decode error, matching the source this is
// grounded on.
func FromFlash(dev flash.Device, ota partition.Entry) (Info, error) {
	var buf [Size]byte
	if err := dev.ReadAt(buf[:], ota.Offset); err != nil {
		return Info{}, pkgerrors.Wrap(ErrStorage, err.Error())
	}
	if info, err := Decode(buf); err == nil {
		return info, nil
	}

	if err := dev.ReadAt(buf[:], ota.Offset+flash.SectorSize); err != nil {
		return Info{}, pkgerrors.Wrap(ErrStorage, err.Error())
	}
	info, err := Decode(buf)
	if err != nil {
		return Info{}, pkgerrors.Wrap(ErrStorage, err.Error())
	}
	return info, nil
}

// SaveToFlash erases then writes both redundant copies, in order. This
// sequential erase-then-write is the atomicity surface: a power loss
// during the operation leaves at most one copy consistent, which the next
// FromFlash recovers via the CRC check.
func (i Info) SaveToFlash(dev flash.Device, ota partition.Entry) error {
	buf := i.Encode()

	if err := dev.EraseRange(ota.Offset, flash.SectorSize); err != nil {
		return pkgerrors.Wrap(ErrStorage, err.Error())
	}
	if err := dev.WriteAt(buf[:], ota.Offset); err != nil {
		return pkgerrors.Wrap(ErrStorage, err.Error())
	}

	if err := dev.EraseRange(ota.Offset+flash.SectorSize, flash.SectorSize); err != nil {
		return pkgerrors.Wrap(ErrStorage, err.Error())
	}
	if err := dev.WriteAt(buf[:], ota.Offset+flash.SectorSize); err != nil {
		return pkgerrors.Wrap(ErrStorage, err.Error())
	}
	return nil
}
