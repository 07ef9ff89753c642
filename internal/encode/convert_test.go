package encode

import "testing"

func TestFromPacked32PlaneSizes(t *testing.T) {
	width, height := 4, 4
	stride := width * 4
	src := make([]byte, stride*height)
	for i := range src {
		src[i] = byte(i % 256)
	}
	c := &converter{}
	out := c.fromPacked32(src, width, height, stride, true)
	expected := width*height + 2*(width/2)*(height/2)
	if len(out) != expected {
		t.Fatalf("expected I420 buffer of size %d, got %d", expected, len(out))
	}
}

func TestFromNV12DeinterleavesPlanes(t *testing.T) {
	width, height := 4, 4
	stride := width
	ySize := stride * height
	cSize := (width / 2) * (height / 2)
	src := make([]byte, ySize+2*cSize)
	for i := 0; i < cSize; i++ {
		src[ySize+2*i] = 10   // U
		src[ySize+2*i+1] = 20 // V
	}
	c := &converter{}
	out := c.fromNV12(src, width, height, stride)
	uPlane := out[width*height : width*height+cSize]
	vPlane := out[width*height+cSize : width*height+2*cSize]
	for i := 0; i < cSize; i++ {
		if uPlane[i] != 10 || vPlane[i] != 20 {
			t.Fatalf("deinterleave mismatch at %d: u=%d v=%d", i, uPlane[i], vPlane[i])
		}
	}
}

func TestClampByteBounds(t *testing.T) {
	if clampByte(-10) != 0 {
		t.Fatal("expected clamp to 0")
	}
	if clampByte(300) != 255 {
		t.Fatal("expected clamp to 255")
	}
	if clampByte(128) != 128 {
		t.Fatal("expected passthrough")
	}
}
