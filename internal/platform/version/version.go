package version

import "runtime"

// Service is the name reported by /version and attached to startup logs.
const Service = "fanout"

// Build information, injected via ldflags at build time
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info holds complete build information plus the identity of this instance.
type Info struct {
	Service    string `json:"service"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	InstanceID string `json:"instance_id,omitempty"`
}

// Get returns the build information for the given instance.
func Get(instanceID string) Info {
	return Info{
		Service:    Service,
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		InstanceID: instanceID,
	}
}
