package pairing

import (
	"encoding/json"
	"fmt"

	"github.com/skip2/go-qrcode"

	"github.com/streamlinux/streamlinux/pkg/model"
)

// qrSize is the rendered image's side length in pixels. The official
// skip2/go-qrcode recovery levels trade payload capacity for resilience
// to partial damage; Medium is the library's suggested default for
// screen-scanned (rather than printed) codes.
const qrSize = 384

// NewBundle builds the PairingBundle a viewer needs to connect without
// further configuration.
func NewBundle(host string, port int, tls bool, token, fingerprint string) model.PairingBundle {
	return model.PairingBundle{
		Host:        host,
		Port:        port,
		TLS:         tls,
		Token:       token,
		Fingerprint: fingerprint,
	}
}

// MarshalBundleJSON renders bundle as the compact JSON payload a 2-D code
// encodes and a viewer client parses.
func MarshalBundleJSON(bundle model.PairingBundle) ([]byte, error) {
	return json.Marshal(bundle)
}

// RenderQRPNG encodes bundle's JSON form as a scannable PNG image.
func RenderQRPNG(bundle model.PairingBundle) ([]byte, error) {
	payload, err := MarshalBundleJSON(bundle)
	if err != nil {
		return nil, fmt.Errorf("pairing: marshal bundle: %w", err)
	}
	png, err := qrcode.Encode(string(payload), qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("pairing: render qr: %w", err)
	}
	return png, nil
}
