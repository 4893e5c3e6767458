package config

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

var envRefPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv expands environment variable references in a string.
//
// Two forms are recognized: ${VAR} expands to the value of VAR and is left
// untouched when VAR is unset, and ${VAR:-default} expands to the value of
// VAR or to the literal default when VAR is unset. An empty-but-set variable
// counts as set in both forms.
func ExpandEnv(value string) string {
	return envRefPattern.ReplaceAllStringFunc(value, func(ref string) string {
		expr := ref[2 : len(ref)-1]
		if name, fallback, ok := strings.Cut(expr, ":-"); ok {
			if v, set := os.LookupEnv(strings.TrimSpace(name)); set {
				return v
			}
			return fallback
		}
		if v, set := os.LookupEnv(expr); set {
			return v
		}
		return ref
	})
}

// ExpandEnvSlice expands each element of a string slice. The input slice is
// not modified.
func ExpandEnvSlice(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = ExpandEnv(v)
	}
	return out
}

// ExpandEnvMap expands every value of a string map. Keys are left alone.
func ExpandEnvMap(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = ExpandEnv(v)
	}
	return out
}

// SubprocessEnv assembles the environment for a child server process. When
// inherit is true the parent environment is the base; extra entries overlay
// it. The result is sorted for stable process spawning.
func SubprocessEnv(inherit bool, extra map[string]string) []string {
	merged := make(map[string]string)
	if inherit {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				merged[kv[:i]] = kv[i+1:]
			}
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
