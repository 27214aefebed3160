package uri

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
)

// NullTag marks the absence of a URI tag.
const NullTag = int64(-1)

var uniqueCanonicalValue atomic.Int64

// UDPChannel is a resolved udp channel: addresses, control mode, tags, and the
// canonical form two URIs must share to reuse one endpoint.
type UDPChannel struct {
	URI                  *ChannelURI
	LocalData            *net.UDPAddr
	RemoteData           *net.UDPAddr
	LocalControl         *net.UDPAddr
	RemoteControl        *net.UDPAddr
	IsMulticast          bool
	IsManualControlMode  bool
	IsDynamicControlMode bool
	HasExplicitControl   bool
	HasExplicitEndpoint  bool
	ChannelTag           int64
	EntityTag            int64
	CanonicalForm        string
}

// ParseUDPChannel resolves a udp channel URI and computes its identity,
// applying the validity rules for endpoint, control, and multicast layouts.
func ParseUDPChannel(channel string) (*UDPChannel, error) {
	u, err := Parse(channel)
	if err != nil {
		return nil, err
	}
	return ResolveUDPChannel(u, channel)
}

// ResolveUDPChannel computes addresses and canonical identity for a parsed URI.
func ResolveUDPChannel(u *ChannelURI, original string) (*UDPChannel, error) {
	if !u.IsUDP() {
		return nil, fmt.Errorf("invalid channel %q: not udp media", original)
	}

	ch := &UDPChannel{URI: u, ChannelTag: NullTag, EntityTag: NullTag}
	if err := parseTags(u.Get(TagsKey), ch); err != nil {
		return nil, fmt.Errorf("invalid channel %q: %w", original, err)
	}

	controlMode := u.Get(ControlModeKey)
	switch controlMode {
	case "":
	case ControlModeManual:
		ch.IsManualControlMode = true
	case ControlModeDynamic:
		ch.IsDynamicControlMode = true
	default:
		return nil, fmt.Errorf("invalid channel %q: unknown control-mode %q", original, controlMode)
	}

	ch.HasExplicitEndpoint = u.Has(EndpointKey)
	ch.HasExplicitControl = u.Has(ControlKey)

	if !ch.HasExplicitEndpoint && !ch.HasExplicitControl && ch.ChannelTag == NullTag && !ch.IsManualControlMode {
		return nil, fmt.Errorf(
			"invalid channel %q: needs one of endpoint, control, tags, or control-mode=manual", original)
	}
	if ch.IsDynamicControlMode && !ch.HasExplicitControl {
		return nil, fmt.Errorf("invalid channel %q: control-mode=dynamic requires control", original)
	}

	endpoint, err := resolveAddr(u.Get(EndpointKey))
	if err != nil {
		return nil, fmt.Errorf("invalid channel %q: endpoint: %w", original, err)
	}
	control, err := resolveAddr(u.Get(ControlKey))
	if err != nil {
		return nil, fmt.Errorf("invalid channel %q: control: %w", original, err)
	}
	ifcAddr, err := resolveInterface(u.Get(InterfaceKey))
	if err != nil {
		return nil, fmt.Errorf("invalid channel %q: interface: %w", original, err)
	}

	switch {
	case endpoint != nil && endpoint.IP.IsMulticast():
		if endpoint.IP.To4() != nil && endpoint.IP.To4()[3]&0x1 != 1 {
			return nil, fmt.Errorf("invalid channel %q: multicast data address must be odd", original)
		}
		ch.IsMulticast = true
		ch.RemoteData = endpoint
		ch.RemoteControl = multicastControlAddr(endpoint)
		ch.LocalData = ifcAddr
		ch.LocalControl = ifcAddr
	case endpoint != nil:
		ch.RemoteData = endpoint
		ch.RemoteControl = endpoint
		if control != nil {
			ch.LocalData = control
			ch.LocalControl = control
		} else {
			ch.LocalData = ifcAddr
			ch.LocalControl = ifcAddr
		}
	case control != nil:
		// MDC: the control address is the local anchor; remotes join later.
		ch.LocalData = control
		ch.LocalControl = control
		ch.RemoteData = anyAddr()
		ch.RemoteControl = anyAddr()
	default:
		ch.LocalData = ifcAddr
		ch.LocalControl = ifcAddr
		ch.RemoteData = anyAddr()
		ch.RemoteControl = anyAddr()
	}

	makeUnique := ch.IsManualControlMode && !ch.HasExplicitControl ||
		(!ch.HasExplicitEndpoint && !ch.HasExplicitControl)
	ch.CanonicalForm = Canonicalise(ch.LocalData, ch.RemoteData, makeUnique)
	return ch, nil
}

func parseTags(value string, ch *UDPChannel) error {
	if value == "" {
		return nil
	}
	parts := strings.SplitN(value, ",", 2)
	tag, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("tags: %w", err)
	}
	ch.ChannelTag = tag
	if len(parts) == 2 {
		entity, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return fmt.Errorf("tags: %w", err)
		}
		ch.EntityTag = entity
	}
	return nil
}

func resolveAddr(spec string) (*net.UDPAddr, error) {
	if spec == "" {
		return nil, nil
	}
	addr, err := net.ResolveUDPAddr("udp", spec)
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func resolveInterface(spec string) (*net.UDPAddr, error) {
	if spec == "" {
		return anyAddr(), nil
	}
	// An interface may carry a subnet suffix; addresses bind to the host part.
	host := spec
	if idx := strings.IndexByte(spec, '/'); idx >= 0 {
		host = spec[:idx]
	}
	if !strings.Contains(host, ":") {
		host += ":0"
	}
	return net.ResolveUDPAddr("udp", host)
}

func anyAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: 0}
}

// multicastControlAddr derives the control address from a multicast data
// address by toggling the low bit of the final octet.
func multicastControlAddr(data *net.UDPAddr) *net.UDPAddr {
	ip := append(net.IP(nil), data.IP...)
	ip[len(ip)-1] ^= 0x1
	return &net.UDPAddr{IP: ip, Port: data.Port}
}

// Canonicalise renders the endpoint identity as
// UDP-<hexLocal>-<localPort>-<hexRemote>-<remotePort>[-<uniqueSuffix>] using
// the raw 4- or 16-byte address forms in lower-case hex.
func Canonicalise(local, remote *net.UDPAddr, makeUnique bool) string {
	suffix := ""
	if makeUnique {
		suffix = fmt.Sprintf("-%d", uniqueCanonicalValue.Add(1))
	}
	return fmt.Sprintf("UDP-%s-%d-%s-%d%s",
		hexAddr(local), local.Port, hexAddr(remote), remote.Port, suffix)
}

func hexAddr(addr *net.UDPAddr) string {
	ip := addr.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return hex.EncodeToString(ip)
}
