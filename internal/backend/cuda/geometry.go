package cuda

import "github.com/samcharles93/ktune/internal/kernel"

// blockFits reports whether a thread block of shape local stays within the
// thread limit and the per-axis limits in dims. Zero axis limits are ignored.
func blockFits(local kernel.Dim, limit int, dims [3]int) bool {
	local = local.Normalize()
	if local.Size() > limit {
		return false
	}
	for i, n := range [3]int{local.X, local.Y, local.Z} {
		if dims[i] > 0 && n > dims[i] {
			return false
		}
	}
	return true
}
