//go:build !windows

package cbison

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

type dlLibrary struct {
	path   string
	handle unsafe.Pointer
}

func openLibrary(path string) (Library, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	h := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_LOCAL)
	if h == nil {
		return nil, fmt.Errorf("%w %s: %s", ErrLoad, path, C.GoString(C.dlerror()))
	}

	return &dlLibrary{path: path, handle: h}, nil
}

func (l *dlLibrary) Lookup(name string) unsafe.Pointer {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	return C.dlsym(l.handle, cname)
}
