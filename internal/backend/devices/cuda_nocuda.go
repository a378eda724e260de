//go:build !cuda

package devices

import (
	"fmt"

	"github.com/samcharles93/ktune/internal/backend"
)

func openCUDA(int) ([]backend.Backend, error) {
	return nil, fmt.Errorf("cuda backend is not available in this build")
}
