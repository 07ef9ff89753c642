package pairing

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/streamlinux/streamlinux/pkg/model"
)

func TestBundleJSONRoundTrip(t *testing.T) {
	in := NewBundle("desk.local", 8443, true, "tok-abc", "deadbeef")
	data, err := MarshalBundleJSON(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out model.PairingBundle
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestBundleOmitsEmptyFingerprint(t *testing.T) {
	data, err := MarshalBundleJSON(NewBundle("desk.local", 8080, false, "tok", ""))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(data, []byte("fingerprint")) {
		t.Fatalf("empty fingerprint should be omitted from %s", data)
	}
}

func TestRenderQRPNGProducesImage(t *testing.T) {
	png, err := RenderQRPNG(NewBundle("desk.local", 8443, true, "tok", ""))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(png) == 0 || !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("expected a PNG payload")
	}
}
