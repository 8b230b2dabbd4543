// Package pipeline implements the write pipeline (SaveNewFW) and the
// commit/reject control operations (AcceptFW/RejectFW) that together keep
// the on-flash UpgradeInfo record, the partition table, and the streamed
// firmware image mutually consistent.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"

	"github.com/openenterprise/botifactory-ota/flash"
	"github.com/openenterprise/botifactory-ota/partition"
	"github.com/openenterprise/botifactory-ota/upgradeinfo"
)

var (
	// ErrDLInProgress is returned by SaveNewFW when a writer already holds
	// the process-wide IS_SAVING guard.
	ErrDLInProgress = errors.New("pipeline: download already in progress")
	// ErrBootingIntoNewFW is returned by SaveNewFW when the persisted
	// record is not yet committed, refusing to overwrite the slot the
	// bootloader hasn't confirmed.
	ErrBootingIntoNewFW = errors.New("pipeline: booting into new firmware, refusing to overwrite")
	// ErrOutOfSpace is returned when the incoming image exceeds the
	// inactive slot's size.
	ErrOutOfSpace = errors.New("pipeline: image exceeds inactive slot size")
)

// isSaving is the process-wide, single-writer guard described in spec §3 as
// IS_SAVING: acquired atomically at SaveNewFW entry and released on every
// exit path, including context cancellation at a stream read.
var isSaving atomic.Bool

// SaveNewFW streams r into the inactive application slot and, on success,
// advances the persisted sequence counter so the bootloader boots it next.
// On any failure before the final sequence-advance, the previously valid
// slot remains the one the bootloader will boot.
func SaveNewFW(ctx context.Context, dev flash.Device, r io.Reader, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if !isSaving.CompareAndSwap(false, true) {
		logger.Info("pipeline:download-in-progress")
		return ErrDLInProgress
	}
	defer isSaving.Store(false)

	ota, err := partition.FindOTAPartition(dev)
	if err != nil {
		return err
	}

	info, err := upgradeinfo.FromFlash(dev, ota)
	if err != nil {
		return err
	}

	if !info.IsValid() {
		logger.Info("pipeline:booting-into-new-fw")
		return ErrBootingIntoNewFW
	}

	// Sanity check: the running slot must resolve before we touch flash.
	if _, err := partition.FindRunningPartition(dev, info.Seq); err != nil {
		return err
	}
	inactive, err := partition.FindInactivePartition(dev, info.Seq)
	if err != nil {
		return err
	}

	if err := dev.EraseRange(inactive.Offset, inactive.Size); err != nil {
		return pkgerrors.Wrap(upgradeinfo.ErrStorage, err.Error())
	}

	// Rewrite the current record to both copies before streaming begins,
	// so the redundant copy is consistent ahead of the sequence advance.
	if err := info.SaveToFlash(dev, ota); err != nil {
		return err
	}

	savedLen, err := streamInto(ctx, dev, r, inactive)
	if err != nil {
		return err
	}
	logger.Info("pipeline:streamed", slog.Int("bytes", int(savedLen)))

	newInfo := upgradeinfo.New(info.Seq+1, upgradeinfo.BlankLabel())
	return newInfo.SaveToFlash(dev, ota)
}

// streamInto runs the sector-by-sector read/write loop. Every call into r
// is a suspension point; ctx is checked between chunks so a cancellation
// at one of those points unwinds without leaving isSaving held (the caller
// releases it via defer regardless of how streamInto returns).
func streamInto(ctx context.Context, dev flash.Device, r io.Reader, slot partition.Entry) (uint32, error) {
	buf := make([]byte, flash.SectorSize)
	var savedLen uint32
	doneReading := false

	for !doneReading {
		if err := ctx.Err(); err != nil {
			return savedLen, err
		}

		var amountRead uint32
		for amountRead < flash.SectorSize {
			n, err := r.Read(buf[amountRead:])
			amountRead += uint32(n)
			if err != nil {
				if errors.Is(err, io.EOF) {
					doneReading = true
					break
				}
				return savedLen, pkgerrors.Wrap(upgradeinfo.ErrStorage, err.Error())
			}
			if n == 0 {
				doneReading = true
				break
			}
		}

		if savedLen+amountRead > slot.Size {
			return savedLen, ErrOutOfSpace
		}

		if amountRead > 0 {
			if err := dev.WriteAt(buf[:amountRead], slot.Offset+savedLen); err != nil {
				return savedLen, pkgerrors.Wrap(upgradeinfo.ErrStorage, err.Error())
			}
		}
		savedLen += amountRead
	}

	return savedLen, nil
}

// AcceptFW commits the currently persisted upgrade: transitions it to
// Valid, or recovers a sequence number the bootloader rolled back without
// marking. It is idempotent when starting from Valid.
func AcceptFW(dev flash.Device, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ota, err := partition.FindOTAPartition(dev)
	if err != nil {
		return err
	}
	info, err := upgradeinfo.FromFlash(dev, ota)
	if err != nil {
		return err
	}

	shouldWrite := true
	switch info.State {
	case upgradeinfo.StatePendingVerify:
		logger.Info("pipeline:accepted-upgrade")
	case upgradeinfo.StateNew, upgradeinfo.StateUndefined:
		logger.Warn("pipeline:accepted-upgrade-from-unusual-state", slog.String("state", info.State.String()))
	case upgradeinfo.StateInvalid, upgradeinfo.StateAborted:
		logger.Warn("pipeline:rolled-back-but-not-marked-by-bootloader-saving-manually")
		info = info.WithSeq(info.Seq - 1)
	case upgradeinfo.StateValid:
		shouldWrite = false
		logger.Debug("pipeline:state-already-valid")
	}

	if !shouldWrite {
		return nil
	}
	info.State = upgradeinfo.StateValid
	return info.SaveToFlash(dev, ota)
}

// RejectFW permanently excludes the persisted upgrade from future boots.
// It is idempotent when starting from Invalid.
func RejectFW(dev flash.Device, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ota, err := partition.FindOTAPartition(dev)
	if err != nil {
		return err
	}
	info, err := upgradeinfo.FromFlash(dev, ota)
	if err != nil {
		return err
	}

	shouldWrite := false
	switch info.State {
	case upgradeinfo.StatePendingVerify:
		logger.Info("pipeline:rejecting-pending-upgrade")
		shouldWrite = true
	case upgradeinfo.StateNew, upgradeinfo.StateUndefined:
		logger.Warn("pipeline:rejected-upgrade-from-unusual-state", slog.String("state", info.State.String()))
		shouldWrite = true
	case upgradeinfo.StateValid:
		logger.Error("pipeline:reject-already-accepted")
	case upgradeinfo.StateInvalid:
		logger.Error("pipeline:reject-already-rejected")
	case upgradeinfo.StateAborted:
		logger.Error("pipeline:reject-from-aborted")
	}

	if !shouldWrite {
		return nil
	}
	info.State = upgradeinfo.StateInvalid
	return info.SaveToFlash(dev, ota)
}
