package environment

import (
	"fmt"
	"path"
	"strings"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
)

// ParseVolumes parses one "host:container[:mode]" mapping per line. Blank
// lines and '#' comments are skipped.
func ParseVolumes(text string) ([]Volume, error) {
	var out []Volume
	for i, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fault.Validation("volume line %d: want host:container[:mode], got %q", i+1, line)
		}
		v := Volume{HostPath: strings.TrimSpace(parts[0]), ContainerPath: strings.TrimSpace(parts[1]), Mode: ModeRW}
		if len(parts) == 3 {
			v.Mode = Mode(strings.TrimSpace(parts[2]))
		}
		if err := validateVolume(v); err != nil {
			return nil, fault.Validation("volume line %d: %v", i+1, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// FormatVolumes renders vols in the ParseVolumes format.
func FormatVolumes(vols []Volume) string {
	var b strings.Builder
	for _, v := range vols {
		b.WriteString(v.HostPath)
		b.WriteByte(':')
		b.WriteString(v.ContainerPath)
		if v.Mode != "" && v.Mode != ModeRW {
			b.WriteByte(':')
			b.WriteString(string(v.Mode))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// IsBind reports whether the volume source is a host path rather than a
// named volume.
func (v Volume) IsBind() bool {
	return strings.Contains(v.HostPath, "/")
}

// ValidateVolumes checks every mapping and rejects duplicate container paths.
func ValidateVolumes(vols []Volume) error {
	seen := make(map[string]struct{}, len(vols))
	for i, v := range vols {
		if err := validateVolume(v); err != nil {
			return fault.Validation("volumes[%d]: %v", i, err)
		}
		target := path.Clean(v.ContainerPath)
		if _, dup := seen[target]; dup {
			return fault.Validation("volumes[%d]: container path %q mounted twice", i, target)
		}
		seen[target] = struct{}{}
	}
	return nil
}

func validateVolume(v Volume) error {
	if v.HostPath == "" {
		return errorf("host path is empty")
	}
	if v.IsBind() && !path.IsAbs(v.HostPath) {
		return errorf("host path %q must be absolute", v.HostPath)
	}
	if !path.IsAbs(v.ContainerPath) {
		return errorf("container path %q must be absolute", v.ContainerPath)
	}
	switch v.Mode {
	case "", ModeRW, ModeRO:
	default:
		return errorf("mode %q must be rw or ro", v.Mode)
	}
	return nil
}

func errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
