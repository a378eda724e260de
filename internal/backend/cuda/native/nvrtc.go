//go:build cuda

package native

/*
#cgo LDFLAGS: -lnvrtc
#include <stdlib.h>

typedef int nvrtcResult;
typedef struct _nvrtcProgram* nvrtcProgram;

extern const char* nvrtcGetErrorString(nvrtcResult result);
extern nvrtcResult nvrtcCreateProgram(nvrtcProgram* prog, const char* src, const char* name, int numHeaders, const char* const* headers, const char* const* includeNames);
extern nvrtcResult nvrtcDestroyProgram(nvrtcProgram* prog);
extern nvrtcResult nvrtcCompileProgram(nvrtcProgram prog, int numOptions, const char* const* options);
extern nvrtcResult nvrtcGetPTXSize(nvrtcProgram prog, size_t* ptxSizeRet);
extern nvrtcResult nvrtcGetPTX(nvrtcProgram prog, char* ptx);
extern nvrtcResult nvrtcGetProgramLogSize(nvrtcProgram prog, size_t* logSizeRet);
extern nvrtcResult nvrtcGetProgramLog(nvrtcProgram prog, char* log);

static int ktuneNvrtcCreate(nvrtcProgram* prog, const char* src, const char* name) {
	return (int)nvrtcCreateProgram(prog, src, name, 0, NULL, NULL);
}

static int ktuneNvrtcDestroy(nvrtcProgram* prog) { return (int)nvrtcDestroyProgram(prog); }

static int ktuneNvrtcCompile(nvrtcProgram prog, int n, char** opts) {
	return (int)nvrtcCompileProgram(prog, n, (const char* const*)opts);
}

static int ktuneNvrtcPTXSize(nvrtcProgram prog, size_t* out) { return (int)nvrtcGetPTXSize(prog, out); }
static int ktuneNvrtcPTX(nvrtcProgram prog, char* out) { return (int)nvrtcGetPTX(prog, out); }
static int ktuneNvrtcLogSize(nvrtcProgram prog, size_t* out) { return (int)nvrtcGetProgramLogSize(prog, out); }
static int ktuneNvrtcLog(nvrtcProgram prog, char* out) { return (int)nvrtcGetProgramLog(prog, out); }
static const char* ktuneNvrtcErrorString(int code) { return nvrtcGetErrorString((nvrtcResult)code); }
*/
import "C"

import (
	"strings"
	"unsafe"
)

// CompileError is a failed NVRTC compilation with its build log.
type CompileError struct {
	Log string
	Err error
}

func (e *CompileError) Error() string {
	if log := strings.TrimSpace(e.Log); log != "" {
		return log
	}
	return e.Err.Error()
}

func (e *CompileError) Unwrap() error { return e.Err }

// CompilePTX compiles CUDA C source to PTX.
func CompilePTX(source, name string, options []string) ([]byte, error) {
	csrc := C.CString(source)
	defer C.free(unsafe.Pointer(csrc))
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var prog C.nvrtcProgram
	if err := nvrtcErr(C.ktuneNvrtcCreate(&prog, csrc, cname)); err != nil {
		return nil, err
	}
	defer func() { C.ktuneNvrtcDestroy(&prog) }()

	var copts **C.char
	if len(options) > 0 {
		copts = (**C.char)(C.malloc(C.size_t(len(options)) * C.size_t(unsafe.Sizeof(uintptr(0)))))
		defer C.free(unsafe.Pointer(copts))
		slots := unsafe.Slice(copts, len(options))
		for i, opt := range options {
			slots[i] = C.CString(opt)
			defer C.free(unsafe.Pointer(slots[i]))
		}
	}

	if err := nvrtcErr(C.ktuneNvrtcCompile(prog, C.int(len(options)), copts)); err != nil {
		return nil, &CompileError{Log: programLog(prog), Err: err}
	}

	var size C.size_t
	if err := nvrtcErr(C.ktuneNvrtcPTXSize(prog, &size)); err != nil {
		return nil, err
	}
	ptx := make([]byte, int(size))
	if size > 0 {
		buf := C.malloc(size)
		defer C.free(buf)
		if err := nvrtcErr(C.ktuneNvrtcPTX(prog, (*C.char)(buf))); err != nil {
			return nil, err
		}
		copy(ptx, unsafe.Slice((*byte)(buf), int(size)))
	}
	return ptx, nil
}

func programLog(prog C.nvrtcProgram) string {
	var size C.size_t
	if C.ktuneNvrtcLogSize(prog, &size) != 0 || size <= 1 {
		return ""
	}
	buf := C.malloc(size)
	defer C.free(buf)
	if C.ktuneNvrtcLog(prog, (*C.char)(buf)) != 0 {
		return ""
	}
	return C.GoString((*C.char)(buf))
}

func nvrtcErr(code C.int) error {
	if code == 0 {
		return nil
	}
	return &Error{API: "nvrtc", Code: int(code), Msg: C.GoString(C.ktuneNvrtcErrorString(code))}
}
