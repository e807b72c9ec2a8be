package resource_manager

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// count and type in either order: "4xH200", "4×H200", "4 H200", "H200x4", "H200 4", "H100"
var tokenPattern = regexp.MustCompile(`^(?:(\d+)\s*[xX×*]?\s*)?([A-Za-z][A-Za-z0-9 ]*?)(?:(?:\s*[xX×*]\s*|\s+)(\d+))?$`)

// ParseToken splits a resource token into a normalized accelerator type and count
func ParseToken(token string) (string, int, error) {
	t := strings.TrimSpace(token)
	if t == "" {
		return "", 0, fmt.Errorf("empty resource token")
	}

	m := tokenPattern.FindStringSubmatch(t)
	if m == nil {
		return "", 0, fmt.Errorf("cannot parse resource token %q; expected forms like 4xH200 or H100", token)
	}
	if m[1] != "" && m[3] != "" {
		return "", 0, fmt.Errorf("resource token %q gives the count twice", token)
	}

	count := 1
	for _, s := range []string{m[1], m[3]} {
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return "", 0, fmt.Errorf("invalid count in %q: %w", token, err)
		}
		count = n
	}
	if count <= 0 {
		return "", 0, fmt.Errorf("GPU count must be positive in %q", token)
	}

	return NormalizeGPUType(m[2]), count, nil
}

// NormalizeGPUType maps a display name such as "NVIDIA H200 (141GB)" to its short form
func NormalizeGPUType(display string) string {
	upper := strings.ToUpper(strings.TrimSpace(display))
	switch {
	case strings.Contains(upper, "H100"):
		return "H100"
	case strings.Contains(upper, "H200"):
		return "H200"
	case strings.Contains(upper, "PPU") || strings.Contains(upper, "ZW810"):
		return "PPU ZW810"
	}
	if i := strings.Index(upper, "("); i >= 0 {
		upper = strings.TrimSpace(upper[:i])
	}
	return upper
}
