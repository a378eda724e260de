//go:build cuda

package devices

import (
	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/backend/cuda"
)

func openCUDA(count int) ([]backend.Backend, error) {
	n, err := cuda.Devices()
	if err != nil {
		return nil, err
	}
	if count > 0 {
		n = min(n, count)
	}
	out := make([]backend.Backend, 0, n)
	for i := range n {
		b, err := cuda.New(i)
		if err != nil {
			_ = CloseAll(out)
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
