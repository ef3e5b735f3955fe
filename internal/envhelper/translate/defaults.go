package translate

import (
	"maps"

	"github.com/envhelper/envhelper/internal/envhelper/environment"
)

// TypeDefaults is one row of the defaults table.
type TypeDefaults struct {
	Image         string
	Port          int
	ContainerPort int
	Env           map[string]string
	// DataMount is where the per-environment data volume is mounted. Empty
	// for types without one.
	DataMount string
	// CPULimit and MemoryLimit apply when the environment declares none.
	CPULimit    float64
	MemoryLimit int64
}

const gib = 1 << 30

var defaults = map[environment.Type]TypeDefaults{
	environment.TypeVSCode: {
		Image:         "codercom/code-server:latest",
		Port:          8443,
		ContainerPort: 8080,
		Env: map[string]string{
			"PASSWORD": "password123",
			"TZ":       "UTC",
			// DOCKER_USER is filled from the host user at construction.
			"DOCKER_USER": "",
		},
		DataMount:   "/home/coder",
		CPULimit:    1.0,
		MemoryLimit: 2 * gib,
	},
	environment.TypeWebtop: {
		Image:         "linuxserver/webtop:ubuntu-kde",
		Port:          3000,
		ContainerPort: 3000,
		Env: map[string]string{
			"PUID": "1000",
			"PGID": "1000",
			"TZ":   "UTC",
		},
		DataMount:   "/config",
		CPULimit:    2.0,
		MemoryLimit: 4 * gib,
	},
	environment.TypeCustom: {
		CPULimit:    1.0,
		MemoryLimit: 2 * gib,
	},
}

// Defaults returns the defaults of type t.
func Defaults(t environment.Type) (TypeDefaults, bool) {
	d, ok := defaults[t]
	if !ok {
		return TypeDefaults{}, false
	}
	d.Env = maps.Clone(d.Env)
	return d, true
}
