// SPDX-License-Identifier: GPL-3.0-or-later

package main

/*
#cgo CFLAGS: -I${SRCDIR}/include
#define KEQWEST_NO_PROTOTYPES
#include "keqwest.h"

extern void keqwest_invoke_callback(keqwest_callback_t callback, void *userdata, keqwest_call_t call, int code);
*/
import "C"

import (
	"slices"
	"time"
	"unsafe"
)

var lib = newLibrary(loggerFromEnv())

//export keqwest_engine_new
func keqwest_engine_new(config *C.char, engine *C.keqwest_engine_t) C.int {
	if engine == nil {
		return C.int(codeInvalidArgument)
	}
	var data []byte
	if config != nil {
		data = []byte(C.GoString(config))
	}
	id, rc := lib.newEngine(data)
	if rc != codeOK {
		return C.int(rc)
	}
	*engine = C.keqwest_engine_t(id)
	return C.int(codeOK)
}

//export keqwest_engine_close
func keqwest_engine_close(engine C.keqwest_engine_t) C.int {
	return C.int(lib.closeEngine(uint64(engine)))
}

//export keqwest_submit
func keqwest_submit(engine C.keqwest_engine_t, request *C.keqwest_request_t,
	callback C.keqwest_callback_t, userdata unsafe.Pointer, call *C.keqwest_call_t) C.int {
	if request == nil || request.url == nil || call == nil {
		return C.int(codeInvalidArgument)
	}
	spec := copyRequest(request)
	notify := func(id uint64, rc code) {
		if callback != nil {
			C.keqwest_invoke_callback(callback, userdata, C.keqwest_call_t(id), C.int(rc))
		}
	}
	id, start, rc := lib.submit(uint64(engine), spec, notify)
	if rc != codeOK {
		return C.int(rc)
	}
	*call = C.keqwest_call_t(id)
	start()
	return C.int(codeOK)
}

// copyRequest copies the C request into Go memory.
func copyRequest(request *C.keqwest_request_t) *requestSpec {
	spec := &requestSpec{
		URL:            C.GoString(request.url),
		ConnectTimeout: time.Duration(request.connect_timeout_ms) * time.Millisecond,
		ReadTimeout:    time.Duration(request.read_timeout_ms) * time.Millisecond,
		MaxRedirects:   int(request.max_redirects),
	}
	if request.method != nil {
		spec.Method = C.GoString(request.method)
	}
	if request.headers != nil {
		for _, field := range unsafe.Slice(request.headers, int(request.headers_len)) {
			if field.name == nil || field.value == nil {
				continue
			}
			spec.Header = append(spec.Header, [2]string{C.GoString(field.name), C.GoString(field.value)})
		}
	}
	if request.body_len >= 0 {
		spec.HasBody = true
		if request.body != nil {
			spec.Body = slices.Clone(unsafe.Slice((*byte)(unsafe.Pointer(request.body)), int(request.body_len)))
		}
	}
	return spec
}

//export keqwest_cancel
func keqwest_cancel(call C.keqwest_call_t) C.int {
	return C.int(lib.cancel(uint64(call)))
}

//export keqwest_response_status
func keqwest_response_status(call C.keqwest_call_t) C.int {
	status, rc := lib.status(uint64(call))
	if rc != codeOK {
		return C.int(rc)
	}
	return C.int(status)
}

//export keqwest_response_headers
func keqwest_response_headers(call C.keqwest_call_t, buf *C.char, capacity C.size_t) C.int64_t {
	data, rc := lib.headers(uint64(call))
	if rc != codeOK {
		return C.int64_t(rc)
	}
	return C.int64_t(copyOut(unsafe.Pointer(buf), capacity, data))
}

//export keqwest_response_read
func keqwest_response_read(call C.keqwest_call_t, buf *C.uint8_t, capacity C.size_t) C.int64_t {
	if buf == nil {
		return C.int64_t(codeInvalidArgument)
	}
	count, rc := lib.read(uint64(call), unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(capacity)))
	if rc != codeOK {
		return C.int64_t(rc)
	}
	return C.int64_t(count)
}

//export keqwest_error_message
func keqwest_error_message(call C.keqwest_call_t, buf *C.char, capacity C.size_t) C.int64_t {
	message, rc := lib.errorMessage(uint64(call))
	if rc != codeOK {
		return C.int64_t(rc)
	}
	return C.int64_t(copyOut(unsafe.Pointer(buf), capacity, []byte(message)))
}

//export keqwest_call_free
func keqwest_call_free(call C.keqwest_call_t) C.int {
	return C.int(lib.free(uint64(call)))
}

// copyOut copies at most capacity bytes of data into buf and returns
// the length of data.
func copyOut(buf unsafe.Pointer, capacity C.size_t, data []byte) int {
	if buf != nil && capacity > 0 {
		copy(unsafe.Slice((*byte)(buf), int(capacity)), data)
	}
	return len(data)
}
