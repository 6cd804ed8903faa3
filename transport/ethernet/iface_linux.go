//go:build linux

// Interface introspection is grounded on the teacher's
// cmd/gnbsim_netlink.go (addIPv4Address's netlink.LinkByName lookup),
// repurposed here to read an interface's hardware address, MTU, and
// kernel index instead of assigning a tunnel IP.
package ethernet

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

type ifaceInfo struct {
	index int
	mtu   int
	mac   [6]byte
}

func lookupInterface(name string) (ifaceInfo, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return ifaceInfo{}, fmt.Errorf("ethernet: lookup interface %q: %w", name, err)
	}
	attrs := link.Attrs()
	if len(attrs.HardwareAddr) != 6 {
		return ifaceInfo{}, fmt.Errorf("ethernet: interface %q has no 6-byte hardware address", name)
	}
	var info ifaceInfo
	info.index = attrs.Index
	info.mtu = attrs.MTU
	copy(info.mac[:], attrs.HardwareAddr)
	return info, nil
}
