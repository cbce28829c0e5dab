// Package idgen assigns each replicator process a stable, cluster-unique
// instance identity — stamped on every structured log record and reported
// on the status surface — built on sony/sonyflake/v2, mirroring the
// teacher's xid package.
package idgen

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/netip"
	"os"
	"strconv"

	"github.com/sony/sonyflake/v2"
)

// EnvMachineID, when set to an integer in [0, 65535], pins the machine ID
// directly instead of deriving it from the environment.
const EnvMachineID = "REDISBRIDGE_MACHINE_ID"

// ErrNoPrivateAddress is returned when every machine-ID strategy has been
// exhausted and the host exposes no private IPv4 address either.
var ErrNoPrivateAddress = errors.New("idgen: no private IPv4 address found")

// DefaultMachineID resolves a 16-bit machine identifier, preferring in
// order: the REDISBRIDGE_MACHINE_ID env var, the process hostname's hash,
// then the host's private IPv4 address — the same fallback chain
// sonyflake itself uses when no MachineID func is supplied.
func DefaultMachineID() (uint16, error) {
	if s := os.Getenv(EnvMachineID); s != "" {
		id, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("idgen: invalid %s value %q: %w", EnvMachineID, s, err)
		}
		return uint16(id), nil
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hashToMachineID(hostname), nil
	}

	ip, err := privateIPv4()
	if err != nil {
		return 0, err
	}
	b := ip.As4()
	return uint16(b[2])<<8 + uint16(b[3]), nil
}

func hashToMachineID(s string) uint16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	b := h.Sum(nil)
	hi := uint16(b[0])<<8 | uint16(b[1])
	lo := uint16(b[2])<<8 | uint16(b[3])
	return hi ^ lo
}

func privateIPv4() (netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.IsLoopback() || !ip.Is4() {
			continue
		}
		if ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return ip, nil
		}
	}
	return netip.Addr{}, ErrNoPrivateAddress
}

// Generator produces cluster-unique, time-sortable instance IDs.
type Generator struct {
	sf *sonyflake.Sonyflake
}

// New creates a Generator seeded with DefaultMachineID (or an explicit
// machineID when machineID >= 0).
func New(machineID int) (*Generator, error) {
	settings := sonyflake.Settings{}
	if machineID >= 0 {
		settings.MachineID = func() (int, error) { return machineID, nil }
	} else {
		settings.MachineID = func() (int, error) {
			id, err := DefaultMachineID()
			return int(id), err
		}
	}

	sf, err := sonyflake.New(settings)
	if err != nil {
		return nil, fmt.Errorf("idgen: %w", err)
	}
	return &Generator{sf: sf}, nil
}

// InstanceID returns a new base36-encoded identifier for this process,
// generated once at startup and reused for the life of the process (see
// cmd/redisbridged, which calls this exactly once and threads the result
// through logging.Builder.WithInstanceID and the status snapshot).
func (g *Generator) InstanceID() (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return strconv.FormatInt(id, 36), nil
}
