// Package render encodes canvases and draws vector layers using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/png"
	"sync"
)

// Encoder encodes images to PNG reusing its buffers.
type Encoder struct {
	bufferPool sync.Pool
	encoder    png.Encoder
}

// NewEncoder creates a PNG encoder tuned for speed.
func NewEncoder() *Encoder {
	return &Encoder{
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		encoder: png.Encoder{CompressionLevel: png.BestSpeed},
	}
}

// EncodePNG encodes img.
func (e *Encoder) EncodePNG(img image.Image) ([]byte, error) {
	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()

	if err := e.encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// EmptyTile encodes a fully transparent size×size tile.
func (e *Encoder) EmptyTile(size int) ([]byte, error) {
	return e.EncodePNG(image.NewRGBA(image.Rect(0, 0, size, size)))
}
