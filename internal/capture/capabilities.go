package capture

// Capability marker interfaces a Backend may optionally implement, checked
// via type assertion by the session supervisor. GPU-texture-handoff and
// secure-desktop-switch notification have no Linux/X11/Wayland equivalent
// and are not modeled here.

// BGRAProvider reports that a backend's frames are already BGRA, letting
// the encoder skip a channel swizzle.
type BGRAProvider interface {
	IsBGRA() bool
}

// TightLoopHint reports that a backend's capture call already blocks until
// the next frame is ready (e.g. a compositor frame-callback), so the
// capture loop should not impose its own pacing sleep.
type TightLoopHint interface {
	TightLoop() bool
}

// FrameChangeHint reports how many frames were accumulated since the last
// capture, letting frameDiffer skip its CRC32 hash.
type FrameChangeHint interface {
	AccumulatedFrames() uint32
}

// CursorProvider reports the system cursor's position and visibility, for
// backends that do not already composite the cursor into the frame.
type CursorProvider interface {
	CursorPosition() (x, y int32, visible bool)
}
