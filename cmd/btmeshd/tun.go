package main

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// diagTap is the optional loopback diagnostic interface this node can
// stand up: a plain TUN device carrying no mesh traffic itself, just
// exposing a UUID-derived link-local IPv4 address (primaryUnicastIP in
// main.go, unrelated to the mesh unicast address) on a local interface so `ip addr`/packet captures have something to show
// during bench testing without real radio hardware. Grounded on
// cmd/gnbsim_netlink.go's addTunnel/addIPv4Address, repurposed here:
// the teacher uses its tunnel for actual GTP-U user-plane packets,
// this one carries nothing and exists purely as an address-visibility
// aid for whoever is operating the node.
type diagTap struct {
	name string
	link *netlink.Tuntap
}

// newDiagTap brings up a TUN interface named name and assigns it addr
// as a /32 so that diagnostic address is visible to ordinary Linux
// networking tools.
func newDiagTap(name string, addr net.IP) (*diagTap, error) {
	tun, err := addTunnel(name)
	if err != nil {
		return nil, err
	}
	if err := addIPv4Address(name, addr, 32); err != nil {
		return nil, fmt.Errorf("assign %s to %s: %w", addr, name, err)
	}
	return &diagTap{name: name, link: tun}, nil
}

// Close removes the interface. Errors tearing down a diagnostic
// interface are not fatal to the node, so callers are expected to log
// and continue rather than treat this as a hard failure.
func (t *diagTap) Close() error {
	return netlink.LinkDel(t.link)
}

func addTunnel(name string) (tun *netlink.Tuntap, err error) {
	tun = &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TUN,
		Flags:     netlink.TUNTAP_DEFAULTS | netlink.TUNTAP_NO_PI,
		Queues:    1,
	}

	if err = netlink.LinkAdd(tun); err != nil {
		err = fmt.Errorf("failed to add tun device[%s]: %w", name, err)
		return
	}

	if err = netlink.LinkSetUp(tun); err != nil {
		err = fmt.Errorf("failed to up tun device[%s]: %w", name, err)
		return
	}
	return
}

func addIPv4Address(ifName string, ip net.IP, masklen int) (err error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return err
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return err
	}

	netToAdd := &net.IPNet{
		IP:   ip,
		Mask: net.CIDRMask(masklen, 32),
	}

	var addr netlink.Addr
	found := false
	for _, a := range addrs {
		if a.Label != ifName {
			continue
		}
		found = true
		if a.IPNet.String() == netToAdd.String() {
			return nil
		}
		addr = a
	}

	if !found {
		return fmt.Errorf("interface[%s] not found", ifName)
	}

	addr.IPNet = netToAdd
	if err := netlink.AddrAdd(link, &addr); err != nil {
		return err
	}
	return nil
}
