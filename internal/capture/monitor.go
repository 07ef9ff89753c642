package capture

import "github.com/streamlinux/streamlinux/pkg/model"

// singleMonitor builds the one-output fallback list a backend returns when
// it knows only the combined virtual screen size (e.g. via an X11
// connection with no RandR query, or a portal session that exposes a
// single composited stream).
func singleMonitor(width, height int) []model.Monitor {
	return []model.Monitor{{
		ID:      0,
		Name:    "Default",
		Width:   width,
		Height:  height,
		Primary: true,
	}}
}
