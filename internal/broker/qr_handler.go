package broker

import (
	"net"
	"net/http"

	"github.com/streamlinux/streamlinux/internal/pairing"
	"github.com/streamlinux/streamlinux/internal/tlsutil"
	"github.com/streamlinux/streamlinux/pkg/model"
)

// bundleForRequest mints a fresh, short-lived pairing token and builds
// the bundle a viewer needs to connect to this broker.
func (b *Broker) bundleForRequest(r *http.Request) (model.PairingBundle, error) {
	token, err := b.reg.tokens.Mint("", pairing.DefaultExpiry, true)
	if err != nil {
		return model.PairingBundle{}, err
	}

	fingerprint := ""
	if b.cfg.TLSCertPath != "" {
		if fp, err := tlsutil.Fingerprint(b.cfg.TLSCertPath); err == nil {
			fingerprint = fp
		}
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	return pairing.NewBundle(host, b.cfg.Port, b.cfg.TLSCertPath != "", token, fingerprint), nil
}

func (b *Broker) handleQR(w http.ResponseWriter, r *http.Request) {
	bundle, err := b.bundleForRequest(r)
	if err != nil {
		http.Error(w, "failed to mint pairing bundle", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (b *Broker) handleQRImage(w http.ResponseWriter, r *http.Request) {
	bundle, err := b.bundleForRequest(r)
	if err != nil {
		http.Error(w, "failed to mint pairing bundle", http.StatusInternalServerError)
		return
	}
	png, err := pairing.RenderQRPNG(bundle)
	if err != nil {
		http.Error(w, "failed to render qr image", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}
