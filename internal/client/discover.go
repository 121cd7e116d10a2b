package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"sealroom.dev/go/sealroom/internal/relay"
)

// DiscoveredRelay is a relay found on the local network
type DiscoveredRelay struct {
	Instance string
	Host     string
	Port     int
	IPs      []net.IP
}

// URL returns the HTTP base URL of the relay, preferring an IPv4 address.
func (r DiscoveredRelay) URL() string {
	host := r.Host
	for _, ip := range r.IPs {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	if host == r.Host && len(r.IPs) > 0 {
		host = r.IPs[0].String()
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// Discover browses the local network for relays for up to timeout.
func Discover(ctx context.Context, timeout time.Duration) ([]DiscoveredRelay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		relays []DiscoveredRelay
		seen   = make(map[string]bool)
	)
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			mu.Lock()
			if !seen[entry.Instance] {
				seen[entry.Instance] = true
				ips := append([]net.IP{}, entry.AddrIPv4...)
				ips = append(ips, entry.AddrIPv6...)
				relays = append(relays, DiscoveredRelay{
					Instance: entry.Instance,
					Host:     entry.HostName,
					Port:     entry.Port,
					IPs:      ips,
				})
			}
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, relay.MDNSServiceType, relay.MDNSDomain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	return append([]DiscoveredRelay(nil), relays...), nil
}
