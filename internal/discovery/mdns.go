// ABOUTME: mDNS discovery of the relay
// ABOUTME: The relay advertises _tws-relay._tcp and earbuds browse for it
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the relay's mDNS service type.
const ServiceType = "_tws-relay._tcp"

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	// Path is advertised in the TXT record.
	Path string
	// BrowseTimeout bounds one query round.
	BrowseTimeout time.Duration
}

// Manager handles mDNS operations
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	relays chan *RelayInfo
}

// RelayInfo describes a discovered relay
type RelayInfo struct {
	Name string
	Host string
	Port int
}

// Addr returns host:port.
func (r *RelayInfo) Addr() string {
	return net.JoinHostPort(r.Host, fmt.Sprint(r.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = 3 * time.Second
	}
	if config.Path == "" {
		config.Path = "/tws"
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		relays: make(chan *RelayInfo, 10),
	}
}

// Advertise announces the relay until Stop
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=" + m.config.Path},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	log.Printf("Advertising mDNS service: %s on port %d (type: %s)", m.config.ServiceName, m.config.Port, ServiceType)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for relays in the background
func (m *Manager) Browse() {
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				relay := toRelayInfo(entry)
				if relay == nil {
					continue
				}
				log.Printf("Discovered relay: %s at %s", relay.Name, relay.Addr())

				select {
				case m.relays <- relay:
				case <-m.ctx.Done():
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: ServiceType,
			Domain:  "local",
			Timeout: m.config.BrowseTimeout,
			Entries: entries,
		}

		if err := mdns.Query(params); err != nil {
			log.Printf("mDNS query failed: %v", err)
		}
		close(entries)
		<-done
	}
}

func toRelayInfo(entry *mdns.ServiceEntry) *RelayInfo {
	if entry == nil || entry.AddrV4 == nil || !strings.Contains(entry.Name, ServiceType) {
		return nil
	}
	return &RelayInfo{
		Name: strings.TrimSuffix(entry.Name, "."+ServiceType+".local."),
		Host: entry.AddrV4.String(),
		Port: entry.Port,
	}
}

// Relays returns the channel of discovered relays
func (m *Manager) Relays() <-chan *RelayInfo {
	return m.relays
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
