package backend

import "strings"

// Available returns a comma-separated list of the backends compiled in.
func Available() string {
	entries := []string{CPU, Sim}
	if Has(CUDA) {
		entries = append(entries, CUDA)
	}
	return strings.Join(entries, ",")
}

// Has reports whether the named backend can be opened in this build.
func Has(name string) bool {
	switch name {
	case CPU, Sim:
		return true
	case CUDA:
		return cudaEnabled
	default:
		return false
	}
}
