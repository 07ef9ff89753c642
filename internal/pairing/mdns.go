package pairing

import (
	"context"
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_streamlinux._tcp"

// Advertiser publishes the host's presence on the local network so a
// viewer on the same link discovers it without typing an address.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers a multicast DNS-SD service record for port, with
// TXT records describing the hostname and whether the message channel
// is TLS-protected. Call Shutdown to stop advertising.
func Advertise(port int, tls bool) (*Advertiser, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "streamlinux-host"
	}

	txt := []string{
		fmt.Sprintf("streamlinux=%s:%d", hostname, port),
		fmt.Sprintf("tls=%t", tls),
	}

	server, err := zeroconf.Register(hostname, serviceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("pairing: mdns register: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown stops advertising the service.
func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Discover browses the local network for advertised streamlinux hosts
// until ctx is canceled, returning every entry seen.
func Discover(ctx context.Context) ([]*zeroconf.ServiceEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("pairing: mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var found []*zeroconf.ServiceEntry
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			found = append(found, e)
		}
	}()

	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("pairing: mdns browse: %w", err)
	}

	<-ctx.Done()
	<-done
	return found, nil
}
