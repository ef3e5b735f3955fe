// Package manifest defines the YAML file that declares environments at
// boot.
//
//	apiVersion: envhelper/v1
//	environments:
//	  - owner: alice
//	    name: dev
//	    type: vscode
//	    autoStart: true
//	    volumes: ["/home/alice/src:/workspace"]
//	    env: {TZ: Europe/Bucharest}
package manifest

// SpecVersion is the API version string required in every manifest.
const SpecVersion = "envhelper/v1"

// Manifest is the root of a manifest file.
type Manifest struct {
	APIVersion   string  `yaml:"apiVersion" json:"apiVersion"`
	Environments []Entry `yaml:"environments" json:"environments"`
}

// Entry declares one environment.
type Entry struct {
	Owner         string `yaml:"owner" json:"owner"`
	Name          string `yaml:"name" json:"name"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
	Type          string `yaml:"type" json:"type"`
	Image         string `yaml:"image,omitempty" json:"image,omitempty"`
	Port          int    `yaml:"port,omitempty" json:"port,omitempty"`
	ContainerPort int    `yaml:"containerPort,omitempty" json:"containerPort,omitempty"`

	// Volumes are "host:container[:mode]" strings.
	Volumes []string `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	// Env values are scalars; numbers and booleans are taken verbatim.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	CPULimit *float64 `yaml:"cpuLimit,omitempty" json:"cpuLimit,omitempty"`
	// MemoryLimit is "2g" or a byte count.
	MemoryLimit string `yaml:"memoryLimit,omitempty" json:"memoryLimit,omitempty"`
	AutoStart   bool   `yaml:"autoStart,omitempty" json:"autoStart,omitempty"`
}
