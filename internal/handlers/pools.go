// Package handlers provides HTTP request handlers for the worker API.
package handlers

import (
	"bytes"
	"sync"
)

// jsonBufferPool provides reusable byte buffers for JSON decoding, sized for
// a typical crawl request.
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

func getBuffer() *bytes.Buffer {
	return jsonBufferPool.Get().(*bytes.Buffer)
}

func putBuffer(buf *bytes.Buffer) {
	buf.Reset()
	jsonBufferPool.Put(buf)
}

// responseBufferPool provides reusable byte buffers for JSON encoding.
// Responses carrying page HTML can be large, so these start bigger.
var responseBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 8192))
	},
}

func getResponseBuffer() *bytes.Buffer {
	return responseBufferPool.Get().(*bytes.Buffer)
}

func putResponseBuffer(buf *bytes.Buffer) {
	buf.Reset()
	responseBufferPool.Put(buf)
}
