package engine

import (
	"fmt"
	"net"
	"os"

	"github.com/narvanalabs/fleet-engine/internal/models"
)

// Host describes the machine an engine runs on.
type Host interface {
	Hostname() (string, error)
	OS() string
	Interfaces() (map[string]models.NetworkInterface, error)
}

// SystemHost reads host details from the running system.
type SystemHost struct{}

// Hostname returns the kernel host name.
func (SystemHost) Hostname() (string, error) {
	return os.Hostname()
}

// OS returns a description of the host operating system.
func (SystemHost) OS() string {
	return hostOS()
}

// Interfaces returns the up, non-loopback interfaces that carry an IPv4
// address, keyed by interface name.
func (SystemHost) Interfaces() (map[string]models.NetworkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	out := make(map[string]models.NetworkInterface)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			out[iface.Name] = InterfaceFromIPNet(ipNet)
			break
		}
	}
	return out, nil
}

// InterfaceFromIPNet describes an IPv4 address and its network.
func InterfaceFromIPNet(ipNet *net.IPNet) models.NetworkInterface {
	mask := ipNet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	ones, _ := mask.Size()
	ip := ipNet.IP.To4()
	return models.NetworkInterface{
		IP4:     ip.String(),
		Netmask: net.IP(mask).String(),
		CIDR:    fmt.Sprintf("%s/%d", ip.Mask(mask), ones),
	}
}
