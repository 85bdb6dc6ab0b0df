package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultServiceName = "_crateforge._tcp"
	DefaultDomain      = "local."
	DefaultInstance    = "crateforge"

	// APIVersion is advertised as the "api" TXT key. Entries announcing a
	// different value are skipped by Discover.
	APIVersion = "1"
)

var ErrNoServiceFound = errors.New("no build worker found")

type ServiceEntry struct {
	Instance string
	HostName string
	Port     int
	IPv4     []net.IP
	IPv6     []net.IP
	Text     []string
}

type Endpoint struct {
	URL      string
	Instance string
	HostName string
	Port     int
}

type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error
}

// Discover browses for build workers until the first usable one answers or
// ctx ends.
func Discover(ctx context.Context, service, domain string) (Endpoint, error) {
	browser, err := NewMDBrowser()
	if err != nil {
		return Endpoint{}, err
	}
	return DiscoverWithBrowser(ctx, browser, service, domain)
}

func DiscoverWithBrowser(ctx context.Context, browser Browser, service, domain string) (Endpoint, error) {
	if browser == nil {
		return Endpoint{}, errors.New("browser is required")
	}
	service, domain = withDefaults(service, domain)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan ServiceEntry, 32)
	errCh := make(chan error, 1)
	go func() {
		errCh <- browser.Browse(scanCtx, service, domain, entries)
	}()

	for {
		select {
		case <-scanCtx.Done():
			return Endpoint{}, fmt.Errorf("discover %s: %w", service, ErrNoServiceFound)
		case err := <-errCh:
			if err != nil {
				return Endpoint{}, fmt.Errorf("browse %s: %w", service, err)
			}
			// Some browsers return once the query is sent and keep
			// delivering entries until ctx ends.
			errCh = nil
		case entry := <-entries:
			if !compatible(entry.Text) {
				continue
			}
			endpoint, ok := EndpointFromEntry(entry)
			if !ok {
				continue
			}
			return endpoint, nil
		}
	}
}

func EndpointFromEntry(entry ServiceEntry) (Endpoint, bool) {
	if entry.Port <= 0 || entry.Port > 65535 {
		return Endpoint{}, false
	}
	ip := pickIP(entry.IPv4, entry.IPv6)
	if ip == nil {
		return Endpoint{}, false
	}
	return Endpoint{
		URL:      "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
	}, true
}

// TXTRecords is what a worker advertises next to its SRV record.
func TXTRecords(version string) []string {
	txt := []string{"api=" + APIVersion, "path=/compile"}
	if v := strings.TrimSpace(version); v != "" {
		txt = append(txt, "version="+v)
	}
	return txt
}

func ParseListenPort(listenAddr string) (int, error) {
	trimmed := strings.TrimSpace(listenAddr)
	if trimmed == "" {
		return 0, errors.New("listen address is required")
	}
	_, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("parse listen port %q: %w", portStr, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen port out of range: %d", port)
	}
	return port, nil
}

func compatible(txt []string) bool {
	for _, kv := range txt {
		key, value, ok := strings.Cut(kv, "=")
		if ok && key == "api" {
			return value == APIVersion
		}
	}
	// Entries without an api key predate it.
	return true
}

func withDefaults(service, domain string) (string, string) {
	service = strings.TrimSpace(service)
	domain = strings.TrimSpace(domain)
	if service == "" {
		service = DefaultServiceName
	}
	if domain == "" {
		domain = DefaultDomain
	}
	return service, domain
}

// pickIP prefers non-loopback IPv4, then non-loopback IPv6, then loopback.
func pickIP(ipv4 []net.IP, ipv6 []net.IP) net.IP {
	for _, pass := range []func(net.IP) bool{
		func(ip net.IP) bool { return !ip.IsLoopback() },
		func(net.IP) bool { return true },
	} {
		for _, group := range [][]net.IP{ipv4, ipv6} {
			for _, ip := range group {
				if ip != nil && !ip.IsUnspecified() && pass(ip) {
					return ip
				}
			}
		}
	}
	return nil
}
