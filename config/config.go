// Package config holds the on-disk configuration for a BACnet device or
// router, loaded the way the teacher's encoding/ngap.NewNGAP loads
// gnbsim.json: os.ReadFile plus encoding/json.Unmarshal into a plain
// struct, no schema-driven config library (spec.md §6's explicit
// Non-goal for configuration management rules that out).
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// TransportConfig selects exactly one data link for a device or router
// port. The three transport fields are mutually exclusive, spec.md §6.
type TransportConfig struct {
	IPv4 *IPv4Config `json:"ipv4,omitempty"`
	IPv6 *IPv6Config `json:"ipv6,omitempty"`
	SC   *SCConfig   `json:"sc,omitempty"`
}

// IPv4Config binds a BACnet/IP (Annex J) data link.
type IPv4Config struct {
	BindAddress       string    `json:"bind_address"`
	BroadcastAddress  string    `json:"broadcast_address,omitempty"`
	BBMD              *BBMDConfig `json:"bbmd,omitempty"`
}

// IPv6Config binds a BACnet/IPv6 (Annex U) data link.
type IPv6Config struct {
	Interface string      `json:"interface"`
	Port      int         `json:"port"`
	BBMD      *BBMDConfig `json:"bbmd,omitempty"`
}

// BBMDConfig seeds a BBMD's broadcast distribution table.
type BBMDConfig struct {
	BroadcastDistributionTable []string `json:"broadcast_distribution_table,omitempty"`

	// MaxForeignDevices caps the Foreign Device Table; 0 means the
	// package default (bbmd.DefaultMaxFDTSize).
	MaxForeignDevices int `json:"max_foreign_devices,omitempty"`
}

// SCConfig binds a BACnet/SC (Annex AB) WebSocket endpoint.
type SCConfig struct {
	// HubURL, when set, makes this node a BACnet/SC initiator dialing a
	// hub at this wss:// URL. Leave empty to run as an acceptor only via
	// ListenAddress.
	HubURL        string `json:"hub_url,omitempty"`
	ListenAddress string `json:"listen_address,omitempty"`
	CertFile      string `json:"cert_file,omitempty"`
	KeyFile       string `json:"key_file,omitempty"`
}

// NumTransports reports how many of the mutually exclusive transport
// fields are set.
func (t TransportConfig) NumTransports() int {
	n := 0
	if t.IPv4 != nil {
		n++
	}
	if t.IPv6 != nil {
		n++
	}
	if t.SC != nil {
		n++
	}
	return n
}

func (t TransportConfig) validate() error {
	switch t.NumTransports() {
	case 0:
		return fmt.Errorf("config: exactly one of ipv4/ipv6/sc must be set, got none")
	case 1:
		return nil
	default:
		return fmt.Errorf("config: ipv4/ipv6/sc are mutually exclusive, got %d set", t.NumTransports())
	}
}

// DeviceConfig describes one BACnet device object plus the transport it
// is reachable on, spec.md §6.
type DeviceConfig struct {
	TransportConfig

	DeviceInstance   uint32 `json:"device_instance"`
	DeviceName       string `json:"device_name"`
	VendorIdentifier uint16 `json:"vendor_identifier"`
	MaxAPDULength    uint16 `json:"max_apdu_length,omitempty"`
	SegmentationSupported string `json:"segmentation_supported,omitempty"`

	MaxCOVObjectSubscriptions   int `json:"max_cov_object_subscriptions,omitempty"`
	MaxCOVPropertySubscriptions int `json:"max_cov_property_subscriptions,omitempty"`
}

// Validate checks invariants that cannot be expressed in struct tags:
// exactly one transport, and a non-empty device name.
func (c *DeviceConfig) Validate() error {
	if err := c.TransportConfig.validate(); err != nil {
		return err
	}
	if c.DeviceName == "" {
		return fmt.Errorf("config: device_name must not be empty")
	}
	return nil
}

// RouterConfig describes a BACnet router: two or more ported networks,
// each with its own transport and network number, spec.md §6.
type RouterConfig struct {
	Ports []RouterPortConfig `json:"ports"`
}

// RouterPortConfig is one routed network attachment.
type RouterPortConfig struct {
	TransportConfig
	NetworkNumber uint16 `json:"network_number"`
}

// Validate checks that every port selects exactly one transport and that
// network numbers are unique across the router.
func (c *RouterConfig) Validate() error {
	if len(c.Ports) < 2 {
		return fmt.Errorf("config: a router needs at least 2 ports, got %d", len(c.Ports))
	}
	seen := make(map[uint16]bool, len(c.Ports))
	for i, p := range c.Ports {
		if err := p.TransportConfig.validate(); err != nil {
			return fmt.Errorf("config: port %d: %w", i, err)
		}
		if seen[p.NetworkNumber] {
			return fmt.Errorf("config: duplicate network_number %d across router ports", p.NetworkNumber)
		}
		seen[p.NetworkNumber] = true
	}
	return nil
}

// LoadDeviceConfig reads and validates a device configuration file.
func LoadDeviceConfig(filename string) (*DeviceConfig, error) {
	var c DeviceConfig
	if err := loadJSON(filename, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadRouterConfig reads and validates a router configuration file.
func LoadRouterConfig(filename string) (*RouterConfig, error) {
	var c RouterConfig
	if err := loadJSON(filename, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func loadJSON(filename string, v any) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", filename, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("config: parse %q: %w", filename, err)
	}
	return nil
}
