package cbisontest

/*
#cgo CFLAGS: -I${SRCDIR}/..
#include <stdint.h>
#include "cbison_api.h"

static inline void cbt_set_factory_impl(cbison_factory_t f, uintptr_t h) {
  f->impl_data = (void *)h;
}

static inline uintptr_t cbt_factory_impl(cbison_factory_t f) {
  return (uintptr_t)f->impl_data;
}
*/
import "C"

import "runtime/cgo"

// setFactoryImpl stores h in impl_data as an integer.
func setFactoryImpl(rec C.cbison_factory_t, h cgo.Handle) {
	C.cbt_set_factory_impl(rec, C.uintptr_t(h))
}

func factoryImpl(rec C.cbison_factory_t) cgo.Handle {
	return cgo.Handle(C.cbt_factory_impl(rec))
}
