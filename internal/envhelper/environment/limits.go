package environment

import (
	"errors"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
)

// ParseMemory parses a memory limit such as "2g", "512m" or a plain byte
// count. An empty string means no limit and returns nil.
func ParseMemory(s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return nil, fault.Validation("memory limit %q: %v", s, err)
	}
	if n < 0 {
		return nil, fault.Validation("memory limit %q must not be negative", s)
	}
	return &n, nil
}

// FormatMemory renders a byte count the way ParseMemory accepts it.
func FormatMemory(n int64) string {
	return units.BytesSize(float64(n))
}

// ParseCPU parses a CPU limit in cores, e.g. "1.5". An empty string means no
// limit.
func ParseCPU(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			err = numErr.Err
		}
		return nil, fault.Validation("cpu limit %q: %v", s, err)
	}
	if f < 0 {
		return nil, fault.Validation("cpu limit %q must not be negative", s)
	}
	return &f, nil
}
