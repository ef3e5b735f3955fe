package environment

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/distribution/reference"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
)

// Validate checks the structural rules of a declaration. Type defaults are
// not applied here; a zero Image or Port is accepted for vscode and webtop.
func (d *Declaration) Validate() error {
	if strings.TrimSpace(d.Owner) == "" {
		return fault.Validation("owner must not be empty")
	}
	if d.Name == "" {
		return fault.Validation("name must not be empty")
	}
	if utf8.RuneCountInString(d.Name) > MaxNameLength {
		return fault.Validation("name must be at most %d characters", MaxNameLength)
	}
	if !namePattern.MatchString(d.Name) {
		return fault.Validation("name %q may only contain letters, digits, '_', '.' and '-' and must start with a letter or digit", d.Name)
	}
	if !d.Type.Valid() {
		return fault.Validation("type %q must be one of vscode, webtop, custom", d.Type)
	}

	if d.Image != "" {
		if _, err := reference.ParseNormalizedNamed(d.Image); err != nil {
			return fault.Validation("image %q: %v", d.Image, err)
		}
	}
	if err := validatePort("port", d.Port); err != nil {
		return err
	}
	if err := validatePort("container_port", d.ContainerPort); err != nil {
		return err
	}
	if d.Type == TypeCustom {
		if d.Image == "" {
			return fault.Validation("custom environments require an image")
		}
		if d.Port == 0 {
			return fault.Validation("custom environments require a port")
		}
	}

	if err := ValidateEnv(d.Env); err != nil {
		return err
	}
	if err := ValidateVolumes(d.Volumes); err != nil {
		return err
	}
	if d.CPULimit != nil && (*d.CPULimit < 0 || math.IsNaN(*d.CPULimit) || math.IsInf(*d.CPULimit, 0)) {
		return fault.Validation("cpu limit must be a non-negative number")
	}
	if d.MemoryLimit != nil && *d.MemoryLimit < 0 {
		return fault.Validation("memory limit must not be negative")
	}
	return nil
}

func validatePort(field string, p int) error {
	if p < 0 || p > 65535 {
		return fault.Validation("%s %d out of range 1-65535", field, p)
	}
	return nil
}
