package kernel

import (
	"bufio"
	"strings"

	"github.com/samcharles93/ktune/internal/space"
)

// Defines are the object-like macros at the top of a kernel source.
type Defines map[string]space.Value

// ParseDefines reads "#define NAME VALUE" lines with numeric values. Other
// lines, function-like macros and non-numeric values are ignored. The first
// definition of a name wins, matching an #ifndef-guarded default that
// follows the configured prefix.
func ParseDefines(source string) Defines {
	out := make(Defines)
	sc := bufio.NewScanner(strings.NewReader(source))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, "#")
		if !ok {
			continue
		}
		rest, ok = strings.CutPrefix(strings.TrimSpace(rest), "define")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 2 || strings.Contains(fields[0], "(") {
			continue
		}
		v, err := space.ParseValue(fields[1])
		if err != nil {
			continue
		}
		if _, ok := out[fields[0]]; !ok {
			out[fields[0]] = v
		}
	}
	return out
}

// Int returns the integer value of name, or def.
func (d Defines) Int(name string, def int) int {
	if v, ok := d[name]; ok {
		return int(v.Int())
	}
	return def
}

// Float returns the float value of name, or def.
func (d Defines) Float(name string, def float64) float64 {
	if v, ok := d[name]; ok {
		return v.Float()
	}
	return def
}
