package domain

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"time"
)

// EnvironmentConfig is the fixed configuration schema for a tenant environment.
type EnvironmentConfig struct {
	VPCCIDR           string           `json:"vpc_cidr"`
	AvailabilityZones []string         `json:"availability_zones,omitempty"`
	Version           string           `json:"version"`
	Mode              string           `json:"mode"`
	NodeGroup         *NodeGroupConfig `json:"node_group,omitempty"`
}

// NodeGroupConfig describes the managed node group for an environment.
type NodeGroupConfig struct {
	InstanceTypes []string `json:"instance_types"`
	DesiredSize   int      `json:"desired_size"`
	MinSize       int      `json:"min_size"`
	MaxSize       int      `json:"max_size"`
	DiskSizeGB    int      `json:"disk_size_gb"`
	CapacityType  string   `json:"capacity_type"`
}

// Compute modes accepted by the configuration schema.
const (
	ModeAuto    = "auto"
	ModeManaged = "managed"
)

var versionExpr = regexp.MustCompile(`^\d+\.\d+$`)

// Validate checks the configuration against the schema. Callers wrap the
// returned error with their invalid-argument sentinel.
func (c EnvironmentConfig) Validate() error {
	if _, _, err := net.ParseCIDR(c.VPCCIDR); err != nil {
		return fmt.Errorf("vpc_cidr %q is not a valid CIDR block", c.VPCCIDR)
	}
	if !versionExpr.MatchString(c.Version) {
		return fmt.Errorf("version %q must look like MAJOR.MINOR", c.Version)
	}
	switch c.Mode {
	case ModeAuto, ModeManaged:
	default:
		return fmt.Errorf("mode %q must be %q or %q", c.Mode, ModeAuto, ModeManaged)
	}
	for _, zone := range c.AvailabilityZones {
		if zone == "" {
			return fmt.Errorf("availability_zones may not contain empty entries")
		}
	}
	if c.NodeGroup != nil {
		return c.NodeGroup.validate()
	}
	return nil
}

func (g NodeGroupConfig) validate() error {
	if len(g.InstanceTypes) == 0 {
		return fmt.Errorf("node_group.instance_types must not be empty")
	}
	for _, size := range []struct {
		name  string
		value int
	}{
		{"desired_size", g.DesiredSize},
		{"min_size", g.MinSize},
		{"max_size", g.MaxSize},
	} {
		if size.value < 1 || size.value > 100 {
			return fmt.Errorf("node_group.%s %d must be between 1 and 100", size.name, size.value)
		}
	}
	if g.MinSize > g.DesiredSize || g.DesiredSize > g.MaxSize {
		return fmt.Errorf("node_group sizes must satisfy min_size <= desired_size <= max_size")
	}
	if g.DiskSizeGB < 20 || g.DiskSizeGB > 1000 {
		return fmt.Errorf("node_group.disk_size_gb %d must be between 20 and 1000", g.DiskSizeGB)
	}
	switch g.CapacityType {
	case "ON_DEMAND", "SPOT":
	default:
		return fmt.Errorf("node_group.capacity_type %q must be ON_DEMAND or SPOT", g.CapacityType)
	}
	return nil
}

// EnvironmentConfigRecord is a stored configuration revision for a stack.
type EnvironmentConfigRecord struct {
	TenantID  string          `json:"tenant_id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	Revision  int             `json:"revision"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
