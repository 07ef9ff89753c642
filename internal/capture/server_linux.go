//go:build linux

package capture

/*
#cgo CFLAGS: -I/usr/include
#cgo LDFLAGS: -lX11 -lXext -lXrandr

#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xrandr.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	void *data;
	int   width;
	int   height;
	int   bytesPerRow;
	int   error;
} xshmResult;

typedef struct {
	Display        *display;
	Window          root;
	int             screen;
	int             width;
	int             height;
	int             useShm;
	XShmSegmentInfo shmInfo;
	XImage         *shmImage;
} xshmContext;

static xshmContext g_ctx = {0};

static int xshm_init(int displayIndex) {
	if (g_ctx.display != NULL) {
		return 0;
	}

	g_ctx.display = XOpenDisplay(NULL);
	if (g_ctx.display == NULL) {
		return 1;
	}

	g_ctx.screen = displayIndex;
	if (g_ctx.screen >= ScreenCount(g_ctx.display)) {
		g_ctx.screen = DefaultScreen(g_ctx.display);
	}

	g_ctx.root = RootWindow(g_ctx.display, g_ctx.screen);
	g_ctx.width = DisplayWidth(g_ctx.display, g_ctx.screen);
	g_ctx.height = DisplayHeight(g_ctx.display, g_ctx.screen);

	int major, minor;
	Bool pixmaps;
	if (XShmQueryVersion(g_ctx.display, &major, &minor, &pixmaps)) {
		g_ctx.shmImage = XShmCreateImage(
			g_ctx.display,
			DefaultVisual(g_ctx.display, g_ctx.screen),
			DefaultDepth(g_ctx.display, g_ctx.screen),
			ZPixmap, NULL, &g_ctx.shmInfo,
			g_ctx.width, g_ctx.height);

		if (g_ctx.shmImage != NULL) {
			// 64-bit segment sizing; the caller has already bounded the
			// dimensions this image was created from.
			size_t segSize = (size_t)g_ctx.shmImage->bytes_per_line *
				(size_t)g_ctx.shmImage->height;
			g_ctx.shmInfo.shmid = shmget(IPC_PRIVATE, segSize,
				IPC_CREAT | 0600);

			if (g_ctx.shmInfo.shmid >= 0) {
				g_ctx.shmInfo.shmaddr = g_ctx.shmImage->data = shmat(g_ctx.shmInfo.shmid, 0, 0);
				g_ctx.shmInfo.readOnly = False;

				if (XShmAttach(g_ctx.display, &g_ctx.shmInfo)) {
					g_ctx.useShm = 1;
					return 0;
				}
			}
			XDestroyImage(g_ctx.shmImage);
			g_ctx.shmImage = NULL;
		}
		g_ctx.useShm = 0;
	}

	return 0;
}

static void xshm_cleanup(void) {
	if (g_ctx.shmImage != NULL) {
		XShmDetach(g_ctx.display, &g_ctx.shmInfo);
		shmdt(g_ctx.shmInfo.shmaddr);
		shmctl(g_ctx.shmInfo.shmid, IPC_RMID, 0);
		XDestroyImage(g_ctx.shmImage);
		g_ctx.shmImage = NULL;
	}
	if (g_ctx.display != NULL) {
		XCloseDisplay(g_ctx.display);
		g_ctx.display = NULL;
	}
	memset(&g_ctx, 0, sizeof(g_ctx));
}

// xshm_capture fills dst (caller-allocated, Go-owned) with an RGBA frame.
// The caller sizes dst from dimensions it has already checked with
// checkDimensions; a frame larger than dstCap returns 4. The output buffer
// is never allocated in C.
static int xshm_capture(int displayIndex, unsigned char *dst, long dstCap,
                         int *outW, int *outH) {
	int rc = xshm_init(displayIndex);
	if (rc != 0) {
		return 1;
	}

	XImage *image = NULL;
	if (g_ctx.useShm && g_ctx.shmImage != NULL) {
		if (!XShmGetImage(g_ctx.display, g_ctx.root, g_ctx.shmImage, 0, 0, AllPlanes)) {
			return 2;
		}
		image = g_ctx.shmImage;
	} else {
		image = XGetImage(g_ctx.display, g_ctx.root, 0, 0,
			g_ctx.width, g_ctx.height, AllPlanes, ZPixmap);
		if (image == NULL) {
			return 3;
		}
	}

	int width = image->width;
	int height = image->height;
	long rowBytes = (long)width * 4;
	long needed = rowBytes * height;
	if (needed > dstCap) {
		if (!g_ctx.useShm) {
			XDestroyImage(image);
		}
		return 4;
	}

	int depth = image->bits_per_pixel;
	for (int y = 0; y < height; y++) {
		unsigned char *row = dst + (long)y * rowBytes;
		for (int x = 0; x < width; x++) {
			unsigned long pixel = XGetPixel(image, x, y);
			int idx = x * 4;
			if (depth == 32 || depth == 24) {
				row[idx+0] = (pixel >> 16) & 0xFF;
				row[idx+1] = (pixel >> 8) & 0xFF;
				row[idx+2] = pixel & 0xFF;
				row[idx+3] = 255;
			} else if (depth == 16) {
				row[idx+0] = ((pixel >> 11) & 0x1F) * 255 / 31;
				row[idx+1] = ((pixel >> 5) & 0x3F) * 255 / 63;
				row[idx+2] = (pixel & 0x1F) * 255 / 31;
				row[idx+3] = 255;
			}
		}
	}

	if (!g_ctx.useShm) {
		XDestroyImage(image);
	}

	*outW = width;
	*outH = height;
	return 0;
}

// x_dims reads the screen dimensions without creating the shared-memory
// segment, so the caller can validate them before any allocation happens.
// Reuses the live connection when one exists.
static void x_dims(int displayIndex, int *w, int *h, int *err) {
	*err = 0;
	if (g_ctx.display != NULL) {
		*w = g_ctx.width;
		*h = g_ctx.height;
		return;
	}
	Display *dpy = XOpenDisplay(NULL);
	if (dpy == NULL) {
		*err = 1;
		return;
	}
	int screen = displayIndex;
	if (screen >= ScreenCount(dpy) || screen < 0) {
		screen = DefaultScreen(dpy);
	}
	*w = DisplayWidth(dpy, screen);
	*h = DisplayHeight(dpy, screen);
	XCloseDisplay(dpy);
}

typedef struct {
	int  x, y;
	int  width, height;
	int  primary;
	char name[64];
} xMonitorInfo;

// x_monitors enumerates physical outputs via the RandR extension. Returns
// the monitor count, or negative on failure (no display, no RandR).
static int x_monitors(xMonitorInfo *out, int max) {
	Display *dpy = XOpenDisplay(NULL);
	if (dpy == NULL) {
		return -1;
	}
	int n = 0;
	XRRMonitorInfo *mons = XRRGetMonitors(dpy, DefaultRootWindow(dpy), True, &n);
	if (mons == NULL) {
		XCloseDisplay(dpy);
		return -2;
	}
	int count = n < max ? n : max;
	for (int i = 0; i < count; i++) {
		out[i].x = mons[i].x;
		out[i].y = mons[i].y;
		out[i].width = mons[i].width;
		out[i].height = mons[i].height;
		out[i].primary = mons[i].primary ? 1 : 0;
		out[i].name[0] = '\0';
		char *nm = XGetAtomName(dpy, mons[i].name);
		if (nm != NULL) {
			strncpy(out[i].name, nm, sizeof(out[i].name)-1);
			out[i].name[sizeof(out[i].name)-1] = '\0';
			XFree(nm);
		}
	}
	XRRFreeMonitors(mons);
	XCloseDisplay(dpy);
	return count;
}
*/
import "C"

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

// serverBackend captures the X server's root window via XShm, falling back
// to plain XGetImage when the shared-memory extension is unavailable.
type serverBackend struct {
	mu       sync.Mutex
	cfg      model.CaptureConfig
	buf      bufPool
	diff     *frameDiffer
	stopFn   context.CancelFunc
	wg       sync.WaitGroup
	measured atomic.Uint64 // bits of float64, see storeMeasuredFPS
}

func newServerBackend(cfg model.CaptureConfig) (Backend, error) {
	return &serverBackend{cfg: cfg, diff: newFrameDiffer()}, nil
}

func (b *serverBackend) Start(ctx context.Context, sink FrameSink) error {
	width, height, err := b.CurrentResolution()
	if err != nil {
		return err
	}
	if err := checkDimensions(width, height); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.stopFn = cancel
	b.mu.Unlock()

	fps := b.cfg.TargetFPS
	if fps <= 0 {
		fps = 30
	}
	interval := time.Second / time.Duration(fps)

	b.wg.Add(1)
	go b.loop(runCtx, interval, sink)
	return nil
}

func (b *serverBackend) loop(ctx context.Context, interval time.Duration, sink FrameSink) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	windowStart := time.Now()
	var frameCount uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := b.captureFrame()
		if err != nil {
			log.Warn("server capture failed", "error", err)
			continue
		}
		if !b.diff.HasChanged(frame.Buffer) {
			continue
		}

		sink(frame)

		frameCount++
		if elapsed := time.Since(windowStart); elapsed >= time.Second {
			b.storeMeasuredFPS(float64(frameCount) / elapsed.Seconds())
			frameCount = 0
			windowStart = time.Now()
		}
	}
}

func (b *serverBackend) captureFrame() (model.RawVideoFrame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Validate the screen dimensions before xshm_capture, which creates the
	// shared-memory segment on first use.
	var bw, bh, berr C.int
	C.x_dims(C.int(b.cfg.DisplayIndex), &bw, &bh, &berr)
	if berr != 0 {
		return model.RawVideoFrame{}, translateXErr(int(berr))
	}
	width, height := int(bw), int(bh)
	if err := checkDimensions(width, height); err != nil {
		return model.RawVideoFrame{}, err
	}

	stride := width * 4
	size := stride * height
	buf := b.buf.get(size)

	var w, h C.int
	rc := C.xshm_capture(
		C.int(b.cfg.DisplayIndex),
		(*C.uchar)(unsafe.Pointer(&buf[0])),
		C.long(len(buf)),
		&w, &h,
	)
	if rc != 0 {
		return model.RawVideoFrame{}, translateXErr(int(rc))
	}

	frame := model.RawVideoFrame{
		Buffer: buf[:int(w)*int(h)*4],
		Width:  int(w),
		Height: int(h),
		Stride: int(w) * 4,
		Layout: model.PixelLayoutRGBA,
		PTS:    time.Now().UnixMicro(),
	}
	return b.cropToRegionLocked(frame), nil
}

// cropToRegionLocked narrows a full-virtual-screen frame to the selected
// monitor's rectangle. If the selected monitor has been unplugged, the
// capture falls back to the primary and marks the next frame a keyframe
// candidate so the viewer resyncs cleanly.
func (b *serverBackend) cropToRegionLocked(frame model.RawVideoFrame) model.RawVideoFrame {
	region := b.cfg.Region
	if region.WholeMonitor && region.MonitorID == 0 {
		return frame
	}

	monitors := queryMonitors()
	if len(monitors) <= 1 {
		return frame
	}

	target, ok := monitorByID(monitors, region.MonitorID)
	if !ok {
		target = primaryMonitor(monitors)
		log.Warn("selected monitor gone, falling back to primary", "monitor", region.MonitorID, "primary", target.ID)
		b.cfg.Region = model.Region{MonitorID: target.ID, WholeMonitor: true}
		b.diff.Reset()
		frame.Keyframe = true
	}

	x, y, w, h := target.X, target.Y, target.Width, target.Height
	if x < 0 || y < 0 || x+w > frame.Width || y+h > frame.Height || w <= 0 || h <= 0 {
		return frame
	}

	stride := w * 4
	out := make([]byte, stride*h)
	for row := 0; row < h; row++ {
		srcOff := (y+row)*frame.Stride + x*4
		copy(out[row*stride:(row+1)*stride], frame.Buffer[srcOff:srcOff+stride])
	}
	frame.Buffer = out
	frame.Width, frame.Height, frame.Stride = w, h, stride
	return frame
}

func (b *serverBackend) storeMeasuredFPS(fps float64) {
	b.measured.Store(math.Float64bits(fps))
}

func (b *serverBackend) MeasuredFPS() float64 {
	return math.Float64frombits(b.measured.Load())
}

func (b *serverBackend) Stop() error {
	b.mu.Lock()
	stop := b.stopFn
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	C.xshm_cleanup()
	return nil
}

// queryMonitors enumerates outputs via RandR; empty on any failure so
// callers can fall back to the virtual-screen rectangle.
func queryMonitors() []model.Monitor {
	const maxMonitors = 16
	var raw [maxMonitors]C.xMonitorInfo
	n := int(C.x_monitors(&raw[0], maxMonitors))
	if n <= 0 {
		return nil
	}
	monitors := make([]model.Monitor, 0, n)
	for i := 0; i < n; i++ {
		m := raw[i]
		monitors = append(monitors, model.Monitor{
			ID:      i,
			Name:    C.GoString(&m.name[0]),
			X:       int(m.x),
			Y:       int(m.y),
			Width:   int(m.width),
			Height:  int(m.height),
			Primary: m.primary != 0,
		})
	}
	return monitors
}

func monitorByID(monitors []model.Monitor, id int) (model.Monitor, bool) {
	for _, m := range monitors {
		if m.ID == id {
			return m, true
		}
	}
	return model.Monitor{}, false
}

func primaryMonitor(monitors []model.Monitor) model.Monitor {
	for _, m := range monitors {
		if m.Primary {
			return m
		}
	}
	return monitors[0]
}

func (b *serverBackend) ListMonitors() ([]model.Monitor, error) {
	if monitors := queryMonitors(); len(monitors) > 0 {
		return monitors, nil
	}
	width, height, err := b.CurrentResolution()
	if err != nil {
		return nil, err
	}
	return singleMonitor(width, height), nil
}

func (b *serverBackend) CurrentResolution() (int, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var w, h, cerr C.int
	C.x_dims(C.int(b.cfg.DisplayIndex), &w, &h, &cerr)
	if cerr != 0 {
		return 0, 0, translateXErr(int(cerr))
	}
	return int(w), int(h), nil
}

func (b *serverBackend) UpdateConfig(cfg model.CaptureConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.DisplayIndex != b.cfg.DisplayIndex {
		return streamerr.New(streamerr.NotSupported, "serverBackend.UpdateConfig", "display switch requires restart")
	}
	b.cfg = cfg
	b.diff.Reset()
	return nil
}

func translateXErr(code int) error {
	switch code {
	case 1:
		return streamerr.Wrap(streamerr.BackendUnavailable, "serverBackend", ErrNoDisplayServer)
	case 2, 3:
		return streamerr.New(streamerr.CaptureFailure, "serverBackend", "X11 image fetch failed")
	case 4:
		return streamerr.New(streamerr.InvalidArgument, "serverBackend", "capture exceeds buffer bound")
	default:
		return streamerr.New(streamerr.CaptureFailure, "serverBackend", "unknown X11 error")
	}
}

var _ Backend = (*serverBackend)(nil)
