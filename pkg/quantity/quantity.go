// Package quantity parses and formats the resource quantity strings used
// in job requirements and pool quotas. CPU quantities resolve to integer
// millicores, memory and storage quantities to integer bytes. The grammar
// is deliberately small: whole cores or millicores for CPU; bytes with
// binary Ki/Mi/Gi suffixes for memory. Parse and Format are exact
// inverses for every representable value.
package quantity

import (
	"math"
	"strconv"
	"strings"

	"github.com/droverhq/drover/pkg/errors"
)

const (
	// MillisPerCore is the millicore scale: cpu "2" means 2000 millicores.
	MillisPerCore int64 = 1000

	Kibibyte int64 = 1024
	Mebibyte int64 = 1024 * Kibibyte
	Gibibyte int64 = 1024 * Mebibyte
)

// Requirements is the typed form of a job's resource requirement map.
type Requirements struct {
	CPUMillis    int64
	MemoryBytes  int64
	StorageBytes int64
	Custom       map[string]int64
}

// ParseCPU parses a CPU quantity: "N" is whole cores (N*1000 millicores),
// "Nm" is millicores. Returns millicores.
func ParseCPU(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Validationf("empty cpu quantity")
	}
	if strings.HasSuffix(s, "m") {
		n, err := parseWhole(strings.TrimSuffix(s, "m"))
		if err != nil {
			return 0, errors.Validationf("invalid cpu quantity %q", s)
		}
		return n, nil
	}
	n, err := parseWhole(s)
	if err != nil {
		return 0, errors.Validationf("invalid cpu quantity %q", s)
	}
	if n > math.MaxInt64/MillisPerCore {
		return 0, errors.Validationf("cpu quantity %q overflows", s)
	}
	return n * MillisPerCore, nil
}

// FormatCPU renders millicores back into the canonical string form:
// whole-core counts as "N", anything else as "Nm".
func FormatCPU(millis int64) string {
	if millis%MillisPerCore == 0 {
		return strconv.FormatInt(millis/MillisPerCore, 10)
	}
	return strconv.FormatInt(millis, 10) + "m"
}

// ParseMemory parses a memory or storage quantity: bare integers are
// bytes; Ki/Mi/Gi suffixes are binary multipliers. Returns bytes.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Validationf("empty memory quantity")
	}
	mult := int64(1)
	num := s
	switch {
	case strings.HasSuffix(s, "Ki"):
		mult, num = Kibibyte, strings.TrimSuffix(s, "Ki")
	case strings.HasSuffix(s, "Mi"):
		mult, num = Mebibyte, strings.TrimSuffix(s, "Mi")
	case strings.HasSuffix(s, "Gi"):
		mult, num = Gibibyte, strings.TrimSuffix(s, "Gi")
	}
	n, err := parseWhole(num)
	if err != nil {
		return 0, errors.Validationf("invalid memory quantity %q", s)
	}
	if mult > 1 && n > math.MaxInt64/mult {
		return 0, errors.Validationf("memory quantity %q overflows", s)
	}
	return n * mult, nil
}

// FormatMemory renders bytes into the largest exact binary suffix, or a
// bare byte count when no suffix divides evenly.
func FormatMemory(bytes int64) string {
	switch {
	case bytes != 0 && bytes%Gibibyte == 0:
		return strconv.FormatInt(bytes/Gibibyte, 10) + "Gi"
	case bytes != 0 && bytes%Mebibyte == 0:
		return strconv.FormatInt(bytes/Mebibyte, 10) + "Mi"
	case bytes != 0 && bytes%Kibibyte == 0:
		return strconv.FormatInt(bytes/Kibibyte, 10) + "Ki"
	default:
		return strconv.FormatInt(bytes, 10)
	}
}

// ParseRequirements converts a requirement map (resource key → quantity
// string) into typed millicores/bytes. Unknown keys are parsed as plain
// counts and kept under Custom.
func ParseRequirements(reqs map[string]string) (Requirements, error) {
	var out Requirements
	for key, raw := range reqs {
		switch key {
		case "cpu":
			v, err := ParseCPU(raw)
			if err != nil {
				return Requirements{}, err
			}
			out.CPUMillis = v
		case "memory":
			v, err := ParseMemory(raw)
			if err != nil {
				return Requirements{}, err
			}
			out.MemoryBytes = v
		case "storage":
			v, err := ParseMemory(raw)
			if err != nil {
				return Requirements{}, err
			}
			out.StorageBytes = v
		default:
			v, err := parseWhole(strings.TrimSpace(raw))
			if err != nil {
				return Requirements{}, errors.Validationf("invalid quantity %q for resource %q", raw, key)
			}
			if out.Custom == nil {
				out.Custom = make(map[string]int64)
			}
			out.Custom[key] = v
		}
	}
	return out, nil
}

// CPUCores converts millicores to real cores for utilization math.
func CPUCores(millis int64) float64 {
	return float64(millis) / float64(MillisPerCore)
}

// parseWhole accepts non-negative base-10 integers with no sign, no
// fraction, and no exponent.
func parseWhole(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty number")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.Newf("non-digit %q", r)
		}
	}
	return strconv.ParseInt(s, 10, 64)
}
