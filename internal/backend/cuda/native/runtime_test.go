//go:build cuda

package native

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"unsafe"
)

func requireDevice(t *testing.T) {
	t.Helper()
	count, err := DeviceCount()
	if err != nil {
		t.Fatalf("DeviceCount: %v", err)
	}
	if count < 1 {
		t.Skip("no cuda device available")
	}
	if err := SetDevice(0); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func TestPinnedAllocAndMemcpyRoundTrip(t *testing.T) {
	requireDevice(t)

	stream, err := NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer func() {
		if err := stream.Destroy(); err != nil {
			t.Fatalf("stream destroy: %v", err)
		}
	}()

	const n = 256
	bytes := n * int64(unsafe.Sizeof(float32(0)))
	hostIn, err := AllocHostPinned(bytes)
	if err != nil {
		t.Fatalf("AllocHostPinned input: %v", err)
	}
	defer hostIn.Free()
	hostOut, err := AllocHostPinned(bytes)
	if err != nil {
		t.Fatalf("AllocHostPinned output: %v", err)
	}
	defer hostOut.Free()

	a, err := AllocDevice(bytes)
	if err != nil {
		t.Fatalf("AllocDevice: %v", err)
	}
	defer a.Free()
	b, err := AllocDevice(bytes)
	if err != nil {
		t.Fatalf("AllocDevice: %v", err)
	}
	defer b.Free()

	in := unsafe.Slice((*float32)(hostIn.Ptr()), n)
	out := unsafe.Slice((*float32)(hostOut.Ptr()), n)
	for i := range in {
		in[i] = float32(i) * 0.5
	}

	if err := MemcpyH2DAsync(a, hostIn.Ptr(), bytes, stream); err != nil {
		t.Fatalf("MemcpyH2DAsync: %v", err)
	}
	if err := MemcpyD2DAsync(b, a, bytes, stream); err != nil {
		t.Fatalf("MemcpyD2DAsync: %v", err)
	}
	if err := MemcpyD2HAsync(hostOut.Ptr(), b, bytes, stream); err != nil {
		t.Fatalf("MemcpyD2HAsync: %v", err)
	}
	if err := stream.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	for i := range out {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %v want %v", i, out[i], in[i])
		}
	}
}

const scaleSource = `
extern "C" __global__ void scale(float* x, float s, int n) {
	int i = blockIdx.x * blockDim.x + threadIdx.x;
	if (i < n) x[i] *= s;
}
`

func TestCompileAndLaunch(t *testing.T) {
	requireDevice(t)

	ptx, err := CompilePTX(scaleSource, "scale.cu", nil)
	if err != nil {
		t.Fatalf("CompilePTX: %v", err)
	}
	mod, err := LoadModule(ptx)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	defer mod.Unload()
	fn, err := mod.Function("scale")
	if err != nil {
		t.Fatalf("Function: %v", err)
	}
	if regs, err := fn.Attribute(FuncNumRegs); err != nil || regs <= 0 {
		t.Fatalf("registers = %d, %v", regs, err)
	}

	stream, err := NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer stream.Destroy()

	const n = 100
	host := make([]float32, n)
	for i := range host {
		host[i] = float32(i)
	}
	dev, err := AllocDevice(n * 4)
	if err != nil {
		t.Fatalf("AllocDevice: %v", err)
	}
	defer dev.Free()
	if err := MemcpyH2D(dev, unsafe.Pointer(&host[0]), n*4); err != nil {
		t.Fatalf("MemcpyH2D: %v", err)
	}

	var s, count KernelArg
	binary.LittleEndian.PutUint32(s.Scalar[:], math.Float32bits(2))
	binary.LittleEndian.PutUint32(count.Scalar[:], n)
	start, _ := NewEvent()
	end, _ := NewEvent()
	defer start.Destroy()
	defer end.Destroy()

	_ = start.Record(stream)
	if err := Launch(fn, [3]int{4, 1, 1}, [3]int{32, 1, 1}, 0, stream, []KernelArg{{Buffer: &dev}, s, count}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	_ = end.Record(stream)
	if err := end.Synchronize(); err != nil {
		t.Fatalf("event sync: %v", err)
	}
	if d, err := Elapsed(start, end); err != nil || d < 0 {
		t.Fatalf("Elapsed = %v, %v", d, err)
	}
	if err := MemcpyD2H(unsafe.Pointer(&host[0]), dev, n*4); err != nil {
		t.Fatalf("MemcpyD2H: %v", err)
	}
	for i, v := range host {
		if v != float32(2*i) {
			t.Fatalf("x[%d] = %v", i, v)
		}
	}
}

func TestCompileErrorCarriesLog(t *testing.T) {
	requireDevice(t)

	_, err := CompilePTX(`extern "C" __global__ void broken() { undefined_symbol(); }`, "broken.cu", nil)
	var ce *CompileError
	if err == nil {
		t.Fatalf("broken source compiled")
	}
	if !errors.As(err, &ce) || ce.Log == "" {
		t.Fatalf("missing build log: %v", err)
	}
}
