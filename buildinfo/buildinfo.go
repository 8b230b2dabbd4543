// Package buildinfo carries the linker-injected build identity and turns
// it into the opaque label UpgradeInfo persists alongside a slot.
package buildinfo

import "github.com/openenterprise/botifactory-ota/upgradeinfo"

// Build information, injected via ldflags at link time. Left without
// defaults on purpose: an unset Version means the binary was built
// without -ldflags and should not be trusted as a provisioning label.
var (
	Version string
	GitSHA  string
)

// Label renders Version and a short prefix of GitSHA into the 20-byte
// label field UpgradeInfo.New expects, truncating if necessary. It is the
// caller's responsibility to call this after the linker variables above
// are populated.
func Label() [upgradeinfo.LabelSize]byte {
	sha := GitSHA
	if len(sha) > 8 {
		sha = sha[:8]
	}
	s := Version + "-" + sha
	if Version == "" {
		s = sha
	}

	var label [upgradeinfo.LabelSize]byte
	for i := range label {
		label[i] = 0xFF
	}
	copy(label[:], s)
	return label
}
