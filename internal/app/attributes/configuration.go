package attributes

import "github.com/yerzham/thingsboard-visitor-count-client/internal/domain"

// Configuration is the validated view of the remote shared attributes.
// It is owned by the coordinator loop; callers must not share it across
// goroutines.
type Configuration struct {
	Enabled      bool
	Region       domain.Region
	EnabledValid bool
	RegionValid  bool
}

// FromShared builds a Configuration from a full attribute fetch. Missing keys
// are treated as invalid.
func FromShared(shared map[string]any) *Configuration {
	c := &Configuration{Region: domain.Region{}}
	c.SetEnabled(shared[KeyEnabled])
	c.SetRegion(shared[KeyRegion])
	return c
}

func (c *Configuration) Configured() bool {
	return c.EnabledValid && c.RegionValid
}

// SetEnabled applies a raw enable flag and reports whether Configured changed.
func (c *Configuration) SetEnabled(raw any) bool {
	before := c.Configured()
	c.Enabled, c.EnabledValid = ValidateEnabled(raw)
	return before != c.Configured()
}

// SetRegion applies a raw region payload and reports whether Configured changed.
func (c *Configuration) SetRegion(raw any) bool {
	before := c.Configured()
	c.Region, c.RegionValid = ValidateRegion(raw)
	return before != c.Configured()
}

// Report is the client attribute payload describing this configuration.
func (c *Configuration) Report() map[string]any {
	return map[string]any{KeyConfigured: c.Configured()}
}
