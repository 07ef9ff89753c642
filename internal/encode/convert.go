package encode

import (
	"fmt"

	"github.com/streamlinux/streamlinux/pkg/model"
)

// converter transforms a captured frame's native pixel layout into the I420
// planar layout openh264 requires. Inserted whenever the capture backend's
// layout doesn't already match I420; PTS is preserved trivially since only
// frame.Buffer is touched here and the caller carries PTS forward on the
// model.RawVideoFrame itself.
type converter struct {
	layout model.PixelLayout
	buf    []byte
}

func newConverter(layout model.PixelLayout) (*converter, error) {
	switch layout {
	case model.PixelLayoutBGRA, model.PixelLayoutRGBA, model.PixelLayoutNV12:
		return &converter{layout: layout}, nil
	default:
		return nil, fmt.Errorf("encode: unsupported pixel layout %s", layout)
	}
}

func (c *converter) convert(src []byte, width, height, stride int) []byte {
	switch c.layout {
	case model.PixelLayoutNV12:
		return c.fromNV12(src, width, height, stride)
	default:
		return c.fromPacked32(src, width, height, stride, c.layout == model.PixelLayoutBGRA)
	}
}

// fromPacked32 converts a packed 32-bit RGBA/BGRA buffer to I420 using the
// BT.601 studio-swing coefficients, the same ones screen-capture pipelines
// conventionally use for desktop content.
func (c *converter) fromPacked32(src []byte, width, height, stride int, bgra bool) []byte {
	ySize := width * height
	cSize := (width / 2) * (height / 2)
	out := c.scratch(ySize + 2*cSize)

	yPlane := out[:ySize]
	uPlane := out[ySize : ySize+cSize]
	vPlane := out[ySize+cSize : ySize+2*cSize]

	for y := 0; y < height; y++ {
		row := src[y*stride : y*stride+width*4]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+4]
			var r, g, b byte
			if bgra {
				b, g, r = px[0], px[1], px[2]
			} else {
				r, g, b = px[0], px[1], px[2]
			}
			yPlane[y*width+x] = rgbToY(r, g, b)
		}
	}

	for cy := 0; cy < height/2; cy++ {
		for cx := 0; cx < width/2; cx++ {
			sx, sy := cx*2, cy*2
			row := src[sy*stride : sy*stride+width*4]
			px := row[sx*4 : sx*4+4]
			var r, g, b byte
			if bgra {
				b, g, r = px[0], px[1], px[2]
			} else {
				r, g, b = px[0], px[1], px[2]
			}
			u, v := rgbToUV(r, g, b)
			uPlane[cy*(width/2)+cx] = u
			vPlane[cy*(width/2)+cx] = v
		}
	}
	return out
}

// fromNV12 de-interleaves NV12's UV plane into I420's separate U/V planes.
func (c *converter) fromNV12(src []byte, width, height, stride int) []byte {
	ySize := width * height
	cSize := (width / 2) * (height / 2)
	out := c.scratch(ySize + 2*cSize)

	copy(out[:ySize], src[:ySize])

	uvOffset := stride * height
	uPlane := out[ySize : ySize+cSize]
	vPlane := out[ySize+cSize : ySize+2*cSize]
	uv := src[uvOffset:]
	for i := 0; i < cSize; i++ {
		uPlane[i] = uv[2*i]
		vPlane[i] = uv[2*i+1]
	}
	return out
}

func (c *converter) scratch(size int) []byte {
	if cap(c.buf) < size {
		c.buf = make([]byte, size)
	}
	return c.buf[:size]
}

func rgbToY(r, g, b byte) byte {
	y := 16 + (66*int(r)+129*int(g)+25*int(b))>>8
	return clampByte(y)
}

func rgbToUV(r, g, b byte) (byte, byte) {
	u := 128 + (-38*int(r)-74*int(g)+112*int(b))>>8
	v := 128 + (112*int(r)-94*int(g)-18*int(b))>>8
	return clampByte(u), clampByte(v)
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
