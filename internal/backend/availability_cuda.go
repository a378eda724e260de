//go:build cuda

package backend

const cudaEnabled = true
