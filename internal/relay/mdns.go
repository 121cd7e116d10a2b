package relay

import (
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

const (
	// MDNSServiceType is the mDNS service type of a sealroom relay
	MDNSServiceType = "_sealroom._tcp"

	// MDNSDomain is the mDNS domain
	MDNSDomain = "local."
)

// Advertise registers the relay on the local network. The caller shuts
// the returned server down.
func Advertise(instance string, port int) (*zeroconf.Server, error) {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "sealroom"
		}
		instance = host
	}

	txt := []string{"v=1", "path=/ws"}
	server, err := zeroconf.Register(instance, MDNSServiceType, MDNSDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return server, nil
}
