// ABOUTME: Tests for mDNS discovery
// ABOUTME: Tests manager defaults and service entry conversion
package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
)

func TestNewManager(t *testing.T) {
	mgr := NewManager(Config{ServiceName: "Test Relay", Port: 8927})
	if mgr == nil {
		t.Fatal("expected manager to be created")
	}
	if mgr.config.BrowseTimeout != 3*time.Second {
		t.Errorf("expected 3s browse timeout, got %v", mgr.config.BrowseTimeout)
	}
	if mgr.config.Path != "/tws" {
		t.Errorf("expected /tws path, got %s", mgr.config.Path)
	}
	mgr.Stop()
}

func TestToRelayInfo(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:   "Phone._tws-relay._tcp.local.",
		AddrV4: net.ParseIP("192.168.1.20"),
		Port:   8927,
	}
	relay := toRelayInfo(entry)
	if relay == nil {
		t.Fatal("expected relay info")
	}
	if relay.Name != "Phone" {
		t.Errorf("expected name Phone, got %s", relay.Name)
	}
	if relay.Addr() != "192.168.1.20:8927" {
		t.Errorf("unexpected addr %s", relay.Addr())
	}
}

func TestToRelayInfoSkipsOtherServices(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:   "Printer._ipp._tcp.local.",
		AddrV4: net.ParseIP("192.168.1.30"),
		Port:   631,
	}
	if toRelayInfo(entry) != nil {
		t.Error("expected foreign service to be skipped")
	}
	if toRelayInfo(&mdns.ServiceEntry{Name: "x._tws-relay._tcp.local."}) != nil {
		t.Error("expected entry without address to be skipped")
	}
}
