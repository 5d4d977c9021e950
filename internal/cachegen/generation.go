// Package cachegen versions the offline resource caches of the installable
// app: it pre-populates the app-shell generation at install, purges superseded
// generations at activation and serves requests from cache when the network
// is gone.
package cachegen

import (
	"sort"
	"strconv"
	"strings"
)

type Role string

const (
	RoleAppShell Role = "app-shell"
	RoleRuntime  Role = "runtime"
	RoleAPI      Role = "api"
)

const (
	DefaultNamespace = "srp-"
	DefaultVersion   = "v2"
)

// Roles lists every logical cache role in a stable order.
func Roles() []Role {
	return []Role{RoleAppShell, RoleRuntime, RoleAPI}
}

type Generation struct {
	Name    string `json:"name"`
	Role    Role   `json:"role"`
	Version string `json:"version"`
}

func GenerationName(namespace string, role Role, version string) string {
	return namespace + string(role) + "-" + version
}

func NewGeneration(namespace string, role Role, version string) Generation {
	return Generation{
		Name:    GenerationName(namespace, role, version),
		Role:    role,
		Version: version,
	}
}

// ParseGeneration reverses GenerationName for names carrying namespace.
func ParseGeneration(namespace, name string) (Generation, bool) {
	if namespace == "" || !strings.HasPrefix(name, namespace) {
		return Generation{}, false
	}
	rest := strings.TrimPrefix(name, namespace)
	for _, role := range Roles() {
		prefix := string(role) + "-"
		if !strings.HasPrefix(rest, prefix) {
			continue
		}
		version := strings.TrimPrefix(rest, prefix)
		if version == "" {
			return Generation{}, false
		}
		return Generation{Name: name, Role: role, Version: version}, true
	}
	return Generation{}, false
}

// compareVersions orders versions by their numeric part when both carry one,
// so v10 sorts after v9, and lexically otherwise.
func compareVersions(a, b string) int {
	na, errA := strconv.Atoi(strings.TrimLeft(a, "vV"))
	nb, errB := strconv.Atoi(strings.TrimLeft(b, "vV"))
	if errA == nil && errB == nil && na != nb {
		if na < nb {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// validSet returns the generation of every role for version.
func validSet(namespace, version string) map[string]Generation {
	out := make(map[string]Generation, len(Roles()))
	for _, role := range Roles() {
		gen := NewGeneration(namespace, role, version)
		out[gen.Name] = gen
	}
	return out
}

func sortedGenerations(set map[string]Generation) []Generation {
	out := make([]Generation, 0, len(set))
	for _, gen := range set {
		out = append(out, gen)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
