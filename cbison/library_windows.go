package cbison

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

type winLibrary struct {
	path   string
	handle windows.Handle
}

func openLibrary(path string) (Library, error) {
	// suppress error dialogs for missing dependent DLLs
	old := windows.SetErrorMode(windows.SEM_FAILCRITICALERRORS)
	defer windows.SetErrorMode(old)

	h, err := windows.LoadLibraryEx(path, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrLoad, path, err)
	}

	return &winLibrary{path: path, handle: h}, nil
}

func (l *winLibrary) Lookup(name string) unsafe.Pointer {
	old := windows.SetErrorMode(windows.SEM_FAILCRITICALERRORS)
	defer windows.SetErrorMode(old)

	proc, err := windows.GetProcAddress(l.handle, name)
	if err != nil {
		return nil
	}

	return *(*unsafe.Pointer)(unsafe.Pointer(&proc))
}
