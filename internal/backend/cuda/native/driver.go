//go:build cuda

package native

/*
#cgo LDFLAGS: -lcuda
#include <stdlib.h>

typedef int CUresult;
typedef int CUdevice;
typedef void* CUmodule;
typedef void* CUfunction;
typedef void* CUstream;

extern CUresult cuInit(unsigned int flags);
extern CUresult cuDeviceGet(CUdevice* device, int ordinal);
extern CUresult cuDeviceGetName(char* name, int len, CUdevice dev);
extern CUresult cuDeviceTotalMem_v2(size_t* bytes, CUdevice dev);
extern CUresult cuGetErrorString(CUresult error, const char** str);
extern CUresult cuModuleLoadData(CUmodule* module, const void* image);
extern CUresult cuModuleUnload(CUmodule hmod);
extern CUresult cuModuleGetFunction(CUfunction* hfunc, CUmodule hmod, const char* name);
extern CUresult cuFuncGetAttribute(int* pi, int attrib, CUfunction hfunc);
extern CUresult cuLaunchKernel(CUfunction f,
	unsigned int gridDimX, unsigned int gridDimY, unsigned int gridDimZ,
	unsigned int blockDimX, unsigned int blockDimY, unsigned int blockDimZ,
	unsigned int sharedMemBytes, CUstream hStream, void** kernelParams, void** extra);

static int ktuneCuInit(void) { return (int)cuInit(0); }
static int ktuneCuDeviceGet(CUdevice* out, int ordinal) { return (int)cuDeviceGet(out, ordinal); }
static int ktuneCuDeviceGetName(char* name, int len, CUdevice dev) { return (int)cuDeviceGetName(name, len, dev); }
static int ktuneCuDeviceTotalMem(size_t* out, CUdevice dev) { return (int)cuDeviceTotalMem_v2(out, dev); }
static int ktuneCuModuleLoadData(CUmodule* out, const void* image) { return (int)cuModuleLoadData(out, image); }
static int ktuneCuModuleUnload(CUmodule mod) { return (int)cuModuleUnload(mod); }
static int ktuneCuModuleGetFunction(CUfunction* out, CUmodule mod, const char* name) { return (int)cuModuleGetFunction(out, mod, name); }
static int ktuneCuFuncGetAttribute(int* out, int attrib, CUfunction fn) { return (int)cuFuncGetAttribute(out, attrib, fn); }

static int ktuneCuLaunchKernel(CUfunction f,
	unsigned int gx, unsigned int gy, unsigned int gz,
	unsigned int bx, unsigned int by, unsigned int bz,
	unsigned int shared, void* stream, void** params) {
	return (int)cuLaunchKernel(f, gx, gy, gz, bx, by, bz, shared, (CUstream)stream, params, NULL);
}

static const char* ktuneCuErrorString(int code) {
	const char* s = NULL;
	if (cuGetErrorString((CUresult)code, &s) != 0 || s == NULL) {
		return "unknown driver error";
	}
	return s;
}
*/
import "C"

import (
	"unsafe"
)

// Function attributes queried through cuFuncGetAttribute.
const (
	FuncMaxThreadsPerBlock = 0
	FuncSharedSizeBytes    = 1
	FuncConstSizeBytes     = 2
	FuncLocalSizeBytes     = 3
	FuncNumRegs            = 4
)

// Init initializes the driver API. It is safe to call more than once.
func Init() error {
	return cuErr(C.ktuneCuInit())
}

// DeviceName returns the marketing name of device ordinal.
func DeviceName(ordinal int) (string, error) {
	var dev C.CUdevice
	if err := cuErr(C.ktuneCuDeviceGet(&dev, C.int(ordinal))); err != nil {
		return "", err
	}
	buf := (*C.char)(C.malloc(256))
	defer C.free(unsafe.Pointer(buf))
	if err := cuErr(C.ktuneCuDeviceGetName(buf, 256, dev)); err != nil {
		return "", err
	}
	return C.GoString(buf), nil
}

// DeviceTotalMemory returns the global memory size of device ordinal.
func DeviceTotalMemory(ordinal int) (int64, error) {
	var dev C.CUdevice
	if err := cuErr(C.ktuneCuDeviceGet(&dev, C.int(ordinal))); err != nil {
		return 0, err
	}
	var bytes C.size_t
	if err := cuErr(C.ktuneCuDeviceTotalMem(&bytes, dev)); err != nil {
		return 0, err
	}
	return int64(bytes), nil
}

// Module is PTX loaded into the current context.
type Module struct {
	ptr C.CUmodule
}

// Function is a kernel entry point of a loaded module.
type Function struct {
	ptr C.CUfunction
}

// LoadModule loads a NUL terminated PTX image.
func LoadModule(ptx []byte) (Module, error) {
	image := C.CBytes(append(ptx[:len(ptx):len(ptx)], 0))
	defer C.free(image)
	var mod C.CUmodule
	if err := cuErr(C.ktuneCuModuleLoadData(&mod, image)); err != nil {
		return Module{}, err
	}
	return Module{ptr: mod}, nil
}

func (m Module) Unload() error {
	if m.ptr == nil {
		return nil
	}
	return cuErr(C.ktuneCuModuleUnload(m.ptr))
}

func (m Module) Function(name string) (Function, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var fn C.CUfunction
	if err := cuErr(C.ktuneCuModuleGetFunction(&fn, m.ptr, cname)); err != nil {
		return Function{}, err
	}
	return Function{ptr: fn}, nil
}

func (f Function) Attribute(attr int) (int, error) {
	var v C.int
	if err := cuErr(C.ktuneCuFuncGetAttribute(&v, C.int(attr), f.ptr)); err != nil {
		return 0, err
	}
	return int(v), nil
}

// KernelArg is one launch parameter: a device buffer or a scalar held in
// up to 8 bytes.
type KernelArg struct {
	Buffer *DeviceBuffer
	Scalar [8]byte
}

// Launch enqueues f on stream with grid and block sizes given per axis.
func Launch(f Function, grid, block [3]int, sharedBytes int, stream Stream, args []KernelArg) error {
	n := len(args)
	var params *unsafe.Pointer
	if n > 0 {
		// Parameter values and the pointer table both live in C memory.
		values := C.malloc(C.size_t(n * 8))
		defer C.free(values)
		table := C.malloc(C.size_t(n) * C.size_t(unsafe.Sizeof(uintptr(0))))
		defer C.free(table)

		vals := unsafe.Slice((*[8]byte)(values), n)
		ptrs := unsafe.Slice((*unsafe.Pointer)(table), n)
		for i, a := range args {
			if a.Buffer != nil {
				*(*uintptr)(unsafe.Pointer(&vals[i])) = uintptr(a.Buffer.ptr)
			} else {
				vals[i] = a.Scalar
			}
			ptrs[i] = unsafe.Pointer(&vals[i])
		}
		params = (*unsafe.Pointer)(table)
	}
	return cuErr(C.ktuneCuLaunchKernel(f.ptr,
		C.uint(grid[0]), C.uint(grid[1]), C.uint(grid[2]),
		C.uint(block[0]), C.uint(block[1]), C.uint(block[2]),
		C.uint(sharedBytes), stream.Ptr(), params))
}

func cuErr(code C.int) error {
	if code == 0 {
		return nil
	}
	return &Error{API: "cuda driver", Code: int(code), Msg: C.GoString(C.ktuneCuErrorString(code))}
}
