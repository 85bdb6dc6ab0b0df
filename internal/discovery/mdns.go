package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/zeroconf/v2"
)

type MDBrowser struct {
	ifaces []net.Interface
}

func NewMDBrowser() (*MDBrowser, error) {
	return &MDBrowser{ifaces: multicastInterfaces()}, nil
}

func (b *MDBrowser) Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error {
	if b == nil {
		return errors.New("browser is required")
	}
	service, domain = withDefaults(service, domain)

	raw := make(chan *zeroconf.ServiceEntry)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-raw:
				if !ok || entry == nil {
					return
				}
				converted := ServiceEntry{
					Instance: entry.Instance,
					HostName: entry.HostName,
					Port:     entry.Port,
					IPv4:     copyIPs(entry.AddrIPv4),
					IPv6:     copyIPs(entry.AddrIPv6),
					Text:     append([]string(nil), entry.Text...),
				}
				select {
				case <-ctx.Done():
					return
				case entries <- converted:
				}
			}
		}
	}()

	if len(b.ifaces) > 0 {
		return zeroconf.Browse(ctx, service, domain, raw, zeroconf.SelectIfaces(b.ifaces))
	}
	return zeroconf.Browse(ctx, service, domain, raw)
}

type AdvertiseOptions struct {
	Instance   string
	Service    string
	Domain     string
	ListenHost string
	Port       int
	Text       []string
}

type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser announces the worker on the interfaces that can actually
// reach it: every multicast-capable interface for a wildcard listen host,
// otherwise only the interfaces that own the listen host's addresses.
func StartAdvertiser(opts AdvertiseOptions) (*Advertiser, error) {
	service, domain := withDefaults(opts.Service, opts.Domain)
	instance := strings.TrimSpace(opts.Instance)
	if instance == "" {
		instance = DefaultInstance
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid advertise port: %d", opts.Port)
	}

	ifaces, err := advertiseInterfaces(opts.ListenHost)
	if err != nil {
		return nil, err
	}
	server, err := zeroconf.Register(instance, service, domain, opts.Port, opts.Text, ifaces)
	if err != nil {
		return nil, fmt.Errorf("start mdns advertiser: %w", err)
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	a.server.Shutdown()
	return nil
}

func advertiseInterfaces(listenHost string) ([]net.Interface, error) {
	if isWildcardListenHost(listenHost) {
		return multicastInterfaces(), nil
	}
	ips, err := resolveListenHostIPs(listenHost)
	if err != nil {
		return nil, err
	}
	targets := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if ip.IsLoopback() {
			return nil, fmt.Errorf("listen host %s is loopback; nothing to advertise", listenHost)
		}
		targets[ipKey(ip)] = struct{}{}
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if addrsContainAnyIP(addrs, targets) {
			out = append(out, iface)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no interface owns listen host %s", listenHost)
	}
	return out, nil
}

func isWildcardListenHost(host string) bool {
	host = strings.TrimSpace(host)
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

func resolveListenHostIPs(host string) ([]net.IP, error) {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolve listen host %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("listen host %q resolved to no addresses", host)
	}
	return ips, nil
}

func addrsContainAnyIP(addrs []net.Addr, targets map[string]struct{}) bool {
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil {
			continue
		}
		if _, ok := targets[ipKey(ip)]; ok {
			return true
		}
	}
	return false
}

func ipKey(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// multicastInterfaces lists interfaces where mDNS can be heard. Loopback,
// down interfaces and tunnels that never carry multicast are skipped.
func multicastInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make([]net.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isTailscaleName(iface.Name) || isLikelyUserspaceTunnel(iface) {
			continue
		}
		if addrs, err := iface.Addrs(); err == nil && onlyTailscaleIPv4(addrs) {
			continue
		}
		out = append(out, iface)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isTailscaleName(name string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(name)), "tailscale")
}

// isLikelyUserspaceTunnel matches wintun/utun style devices: running, no
// broadcast, no hardware address and the 1280 MTU they default to.
func isLikelyUserspaceTunnel(iface net.Interface) bool {
	return iface.Flags&net.FlagRunning != 0 &&
		iface.Flags&net.FlagBroadcast == 0 &&
		len(iface.HardwareAddr) == 0 &&
		iface.MTU == 1280
}

var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0).To4(), Mask: net.CIDRMask(10, 32)}

// onlyTailscaleIPv4 reports whether every IPv4 address is in the CGNAT range
// tailnets use. IPv6 addresses are ignored.
func onlyTailscaleIPv4(addrs []net.Addr) bool {
	seen := false
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipNet.IP.To4()
		if v4 == nil {
			continue
		}
		if !cgnat.Contains(v4) {
			return false
		}
		seen = true
	}
	return seen
}

func copyIPs(in []net.IP) []net.IP {
	if len(in) == 0 {
		return nil
	}
	out := make([]net.IP, 0, len(in))
	for _, ip := range in {
		if ip == nil {
			continue
		}
		out = append(out, append(net.IP(nil), ip...))
	}
	return out
}
