//go:build cuda

package native

/*
#cgo LDFLAGS: -lcudart

// Minimal CUDA runtime forward declarations to avoid requiring headers at compile time.
// Linker will still require libcudart when building with the cuda tag.
typedef void* cudaStream_t;
typedef void* cudaEvent_t;
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaDeviceGetAttribute(int* value, int attr, int device);
extern cudaError_t cudaStreamCreate(cudaStream_t* stream);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaStreamSynchronize(cudaStream_t stream);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMemcpy(void* dst, const void* src, unsigned long long size, int kind);
extern cudaError_t cudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream);
extern cudaError_t cudaMallocHost(void** ptr, unsigned long long size);
extern cudaError_t cudaFreeHost(void* ptr);
extern cudaError_t cudaEventCreate(cudaEvent_t* event);
extern cudaError_t cudaEventDestroy(cudaEvent_t event);
extern cudaError_t cudaEventRecord(cudaEvent_t event, cudaStream_t stream);
extern cudaError_t cudaEventSynchronize(cudaEvent_t event);
extern cudaError_t cudaEventElapsedTime(float* ms, cudaEvent_t start, cudaEvent_t end);

#define KTUNE_CUDA_MEMCPY_HOST_TO_DEVICE 1
#define KTUNE_CUDA_MEMCPY_DEVICE_TO_HOST 2
#define KTUNE_CUDA_MEMCPY_DEVICE_TO_DEVICE 3

static const char* ktuneCudaGetErrorString(cudaError_t err) {
	return cudaGetErrorString(err);
}

static int ktuneCudaGetDeviceCount(int* out) { return (int)cudaGetDeviceCount(out); }
static int ktuneCudaSetDevice(int device) { return (int)cudaSetDevice(device); }
static int ktuneCudaDeviceGetAttribute(int* out, int attr, int device) { return (int)cudaDeviceGetAttribute(out, attr, device); }
static int ktuneCudaStreamCreate(cudaStream_t* out) { return (int)cudaStreamCreate(out); }
static int ktuneCudaStreamDestroy(cudaStream_t stream) { return (int)cudaStreamDestroy(stream); }
static int ktuneCudaStreamSynchronize(cudaStream_t stream) { return (int)cudaStreamSynchronize(stream); }
static int ktuneCudaMalloc(void** ptr, unsigned long long size) { return (int)cudaMalloc(ptr, size); }
static int ktuneCudaFree(void* ptr) { return (int)cudaFree(ptr); }
static int ktuneCudaMallocHost(void** ptr, unsigned long long size) { return (int)cudaMallocHost(ptr, size); }
static int ktuneCudaFreeHost(void* ptr) { return (int)cudaFreeHost(ptr); }

static int ktuneCudaMemcpy(void* dst, const void* src, unsigned long long size, int kind) {
	return (int)cudaMemcpy(dst, src, size, kind);
}

static int ktuneCudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream) {
	return (int)cudaMemcpyAsync(dst, src, size, kind, stream);
}

static int ktuneCudaEventCreate(cudaEvent_t* out) { return (int)cudaEventCreate(out); }
static int ktuneCudaEventDestroy(cudaEvent_t ev) { return (int)cudaEventDestroy(ev); }
static int ktuneCudaEventRecord(cudaEvent_t ev, cudaStream_t stream) { return (int)cudaEventRecord(ev, stream); }
static int ktuneCudaEventSynchronize(cudaEvent_t ev) { return (int)cudaEventSynchronize(ev); }
static int ktuneCudaEventElapsedTime(float* ms, cudaEvent_t start, cudaEvent_t end) {
	return (int)cudaEventElapsedTime(ms, start, end);
}
*/
import "C"

import (
	"fmt"
	"time"
	"unsafe"
)

// Device attributes queried through cudaDeviceGetAttribute.
const (
	AttrMaxThreadsPerBlock      = 1
	AttrMaxSharedMemoryPerBlock = 8
	AttrMultiProcessorCount     = 16
	AttrComputeCapabilityMajor  = 75
	AttrComputeCapabilityMinor  = 76
	attrMaxBlockDimX            = 2
	attrMaxBlockDimY            = 3
	attrMaxBlockDimZ            = 4
)

type Stream struct {
	ptr C.cudaStream_t
}

type Event struct {
	ptr C.cudaEvent_t
}

type DeviceBuffer struct {
	ptr   unsafe.Pointer
	bytes int64
}

type HostBuffer struct {
	ptr unsafe.Pointer
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cudaErr(C.ktuneCudaGetDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

// SetDevice binds the calling OS thread to device.
func SetDevice(device int) error {
	return cudaErr(C.ktuneCudaSetDevice(C.int(device)))
}

func DeviceAttribute(device, attr int) (int, error) {
	var v C.int
	if err := cudaErr(C.ktuneCudaDeviceGetAttribute(&v, C.int(attr), C.int(device))); err != nil {
		return 0, err
	}
	return int(v), nil
}

// MaxBlockDims returns the per-axis block size limits.
func MaxBlockDims(device int) ([3]int, error) {
	var out [3]int
	for i, attr := range []int{attrMaxBlockDimX, attrMaxBlockDimY, attrMaxBlockDimZ} {
		v, err := DeviceAttribute(device, attr)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func NewStream() (Stream, error) {
	var stream C.cudaStream_t
	if err := cudaErr(C.ktuneCudaStreamCreate(&stream)); err != nil {
		return Stream{}, err
	}
	return Stream{ptr: stream}, nil
}

func (s Stream) Destroy() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.ktuneCudaStreamDestroy(s.ptr))
}

func (s Stream) Ptr() unsafe.Pointer {
	return unsafe.Pointer(s.ptr)
}

func (s Stream) Synchronize() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.ktuneCudaStreamSynchronize(s.ptr))
}

func NewEvent() (Event, error) {
	var ev C.cudaEvent_t
	if err := cudaErr(C.ktuneCudaEventCreate(&ev)); err != nil {
		return Event{}, err
	}
	return Event{ptr: ev}, nil
}

func (e Event) Destroy() error {
	if e.ptr == nil {
		return nil
	}
	return cudaErr(C.ktuneCudaEventDestroy(e.ptr))
}

func (e Event) Record(s Stream) error {
	return cudaErr(C.ktuneCudaEventRecord(e.ptr, s.ptr))
}

func (e Event) Synchronize() error {
	return cudaErr(C.ktuneCudaEventSynchronize(e.ptr))
}

// Elapsed is the device time between two recorded events.
func Elapsed(start, end Event) (time.Duration, error) {
	var ms C.float
	if err := cudaErr(C.ktuneCudaEventElapsedTime(&ms, start.ptr, end.ptr)); err != nil {
		return 0, err
	}
	return time.Duration(float64(ms) * float64(time.Millisecond)), nil
}

func AllocDevice(bytes int64) (DeviceBuffer, error) {
	if bytes <= 0 {
		return DeviceBuffer{}, fmt.Errorf("device alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.ktuneCudaMalloc((*unsafe.Pointer)(&ptr), C.ulonglong(bytes))); err != nil {
		return DeviceBuffer{}, err
	}
	return DeviceBuffer{ptr: ptr, bytes: bytes}, nil
}

func (b DeviceBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.ktuneCudaFree(b.ptr))
}

func (b DeviceBuffer) Ptr() unsafe.Pointer {
	return b.ptr
}

func (b DeviceBuffer) Bytes() int64 {
	return b.bytes
}

func AllocHostPinned(bytes int64) (HostBuffer, error) {
	if bytes <= 0 {
		return HostBuffer{}, fmt.Errorf("host alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.ktuneCudaMallocHost((*unsafe.Pointer)(&ptr), C.ulonglong(bytes))); err != nil {
		return HostBuffer{}, err
	}
	return HostBuffer{ptr: ptr}, nil
}

func (b HostBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.ktuneCudaFreeHost(b.ptr))
}

func (b HostBuffer) Ptr() unsafe.Pointer {
	return b.ptr
}

func MemcpyH2DAsync(dst DeviceBuffer, src unsafe.Pointer, bytes int64, stream Stream) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.ktuneCudaMemcpyAsync(dst.ptr, src, C.ulonglong(bytes), C.KTUNE_CUDA_MEMCPY_HOST_TO_DEVICE, stream.ptr))
}

func MemcpyD2HAsync(dst unsafe.Pointer, src DeviceBuffer, bytes int64, stream Stream) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.ktuneCudaMemcpyAsync(dst, src.ptr, C.ulonglong(bytes), C.KTUNE_CUDA_MEMCPY_DEVICE_TO_HOST, stream.ptr))
}

func MemcpyD2DAsync(dst, src DeviceBuffer, bytes int64, stream Stream) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.ktuneCudaMemcpyAsync(dst.ptr, src.ptr, C.ulonglong(bytes), C.KTUNE_CUDA_MEMCPY_DEVICE_TO_DEVICE, stream.ptr))
}

func MemcpyH2D(dst DeviceBuffer, src unsafe.Pointer, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.ktuneCudaMemcpy(dst.ptr, src, C.ulonglong(bytes), C.KTUNE_CUDA_MEMCPY_HOST_TO_DEVICE))
}

func MemcpyD2H(dst unsafe.Pointer, src DeviceBuffer, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.ktuneCudaMemcpy(dst, src.ptr, C.ulonglong(bytes), C.KTUNE_CUDA_MEMCPY_DEVICE_TO_HOST))
}

func MemcpyD2D(dst, src DeviceBuffer, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.ktuneCudaMemcpy(dst.ptr, src.ptr, C.ulonglong(bytes), C.KTUNE_CUDA_MEMCPY_DEVICE_TO_DEVICE))
}

func cudaErr(code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.ktuneCudaGetErrorString(C.cudaError_t(code)))
	return &Error{API: "cuda runtime", Code: int(code), Msg: msg}
}
