// Command libdetectpipe builds the C shared library:
//
//	go build -buildmode=c-shared -o libdetectpipe.so ./cmd/libdetectpipe
//
// Every function returns a negative value (or a zero handle) on failure;
// dp_last_error then describes the problem. Handles are owned by the
// library until released, and dp_run_pipeline consumes its input handles.
package main

/*
#include <stddef.h>
#include <stdint.h>

typedef uint64_t dp_handle;

typedef struct {
	uint32_t width;
	uint32_t height;
	uint32_t channels;
} dp_image_info_t;

typedef struct {
	float x1;
	float y1;
	float x2;
	float y2;
	int32_t class_id;
	float confidence;
} dp_detection_t;
*/
import "C"

import (
	"context"
	"unsafe"

	"github.com/tphakala/detectpipe/pkg/ffi"

	_ "github.com/tphakala/detectpipe/internal/backend/tflite"
)

func main() {}

func registry() *ffi.Registry { return ffi.Default() }

func status(err error) C.int {
	if err != nil {
		return -1
	}
	return 0
}

func pixels(p *C.uint8_t, n C.size_t) []byte {
	if p == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), int(n))
}

// copyOut writes src into the caller's buffer and returns the number of
// bytes src needs. Nothing is written when the buffer is too small.
func copyOut(dst unsafe.Pointer, capacity C.size_t, src []byte) C.int64_t {
	if dst != nil && int(capacity) >= len(src) {
		copy(unsafe.Slice((*byte)(dst), len(src)), src)
	}
	return C.int64_t(len(src))
}

//export dp_image_from_bytes
func dp_image_from_bytes(p *C.uint8_t, n C.size_t, width, height, channels C.uint32_t) C.dp_handle {
	h, _ := registry().ImageFromBytes(pixels(p, n), uint32(width), uint32(height), uint32(channels))
	return C.dp_handle(h)
}

//export dp_image_from_bytes_origin
func dp_image_from_bytes_origin(p *C.uint8_t, n C.size_t, width, height, channels C.uint32_t, bottomLeft C.int) C.dp_handle {
	h, _ := registry().ImageFromBytesOrigin(pixels(p, n), uint32(width), uint32(height), uint32(channels), bottomLeft != 0)
	return C.dp_handle(h)
}

//export dp_image_info
func dp_image_info(h C.dp_handle, out *C.dp_image_info_t) C.int {
	info, err := registry().ImageInfo(ffi.Handle(h))
	if err != nil || out == nil {
		return -1
	}
	out.width = C.uint32_t(info.Width)
	out.height = C.uint32_t(info.Height)
	out.channels = C.uint32_t(info.Channels)
	return 0
}

//export dp_image_is_empty
func dp_image_is_empty(h C.dp_handle) C.int {
	empty, err := registry().IsImageEmpty(ffi.Handle(h))
	switch {
	case err != nil:
		return -1
	case empty:
		return 1
	default:
		return 0
	}
}

// dp_image_copy_bytes returns the pixel byte count, copying when dst is
// large enough. Call with dst NULL to size the buffer.
//
//export dp_image_copy_bytes
func dp_image_copy_bytes(h C.dp_handle, dst *C.uint8_t, capacity C.size_t, bottomLeft C.int) C.int64_t {
	data, err := registry().ImageToBytesOrigin(ffi.Handle(h), bottomLeft != 0)
	if err != nil {
		return -1
	}
	return copyOut(unsafe.Pointer(dst), capacity, data)
}

//export dp_image_release
func dp_image_release(h C.dp_handle) C.int {
	return status(registry().ReleaseImage(ffi.Handle(h)))
}

// dp_run_pipeline consumes n image handles and writes n result handles to
// out, in input order. On failure before the run starts the inputs remain
// valid.
//
//export dp_run_pipeline
func dp_run_pipeline(images *C.dp_handle, n C.size_t, configPath *C.char, out *C.dp_handle) C.int {
	in := make([]ffi.Handle, int(n))
	if n > 0 {
		for i, h := range unsafe.Slice(images, int(n)) {
			in[i] = ffi.Handle(h)
		}
	}

	path := ""
	if configPath != nil {
		path = C.GoString(configPath)
	}

	results, err := registry().RunPipeline(context.Background(), in, path)
	if err != nil {
		return -1
	}
	if len(results) > 0 {
		dst := unsafe.Slice(out, len(results))
		for i, h := range results {
			dst[i] = C.dp_handle(h)
		}
	}
	return 0
}

//export dp_result_index
func dp_result_index(h C.dp_handle) C.int64_t {
	idx, err := registry().ResultIndex(ffi.Handle(h))
	if err != nil {
		return -1
	}
	return C.int64_t(idx)
}

// dp_result_name copies the name without a terminator and returns its length.
//
//export dp_result_name
func dp_result_name(h C.dp_handle, dst *C.char, capacity C.size_t) C.int64_t {
	name, err := registry().ResultName(ffi.Handle(h))
	if err != nil {
		return -1
	}
	return copyOut(unsafe.Pointer(dst), capacity, []byte(name))
}

// dp_result_detections returns the detection count, filling out when it
// holds at least that many entries.
//
//export dp_result_detections
func dp_result_detections(h C.dp_handle, out *C.dp_detection_t, capacity C.size_t) C.int64_t {
	dets, err := registry().ResultDetections(ffi.Handle(h))
	if err != nil {
		return -1
	}
	if out != nil && int(capacity) >= len(dets) && len(dets) > 0 {
		dst := unsafe.Slice(out, len(dets))
		for i, d := range dets {
			dst[i] = C.dp_detection_t{
				x1:         C.float(d.Box.X1),
				y1:         C.float(d.Box.Y1),
				x2:         C.float(d.Box.X2),
				y2:         C.float(d.Box.Y2),
				class_id:   C.int32_t(d.ClassID),
				confidence: C.float(d.Confidence),
			}
		}
	}
	return C.int64_t(len(dets))
}

//export dp_peek_annotated
func dp_peek_annotated(h C.dp_handle) C.dp_handle {
	img, _ := registry().PeekAnnotated(ffi.Handle(h))
	return C.dp_handle(img)
}

//export dp_take_annotated
func dp_take_annotated(h C.dp_handle) C.dp_handle {
	img, _ := registry().TakeAnnotated(ffi.Handle(h))
	return C.dp_handle(img)
}

//export dp_result_release
func dp_result_release(h C.dp_handle) C.int {
	return status(registry().ReleaseResult(ffi.Handle(h)))
}

// dp_last_error copies the last error message, NUL terminated, and returns
// its length without the terminator.
//
//export dp_last_error
func dp_last_error(dst *C.char, capacity C.size_t) C.int64_t {
	msg := registry().LastError()
	if dst != nil && int(capacity) > len(msg) {
		buf := unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(msg)+1)
		copy(buf, msg)
		buf[len(msg)] = 0
	}
	return C.int64_t(len(msg))
}

// dp_shutdown releases every live handle and unloads models. No other
// function may be called afterwards.
//
//export dp_shutdown
func dp_shutdown() {
	registry().Close()
}
