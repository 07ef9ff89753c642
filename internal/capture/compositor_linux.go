//go:build linux

package capture

/*
#cgo pkg-config: libpipewire-0.3 libspa-0.2
#include <pipewire/pipewire.h>
#include <spa/param/video/format-utils.h>
#include <spa/param/param.h>
#include <spa/param/buffers.h>
#include <spa/buffer/buffer.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	struct pw_thread_loop *loop;
	struct pw_context     *context;
	struct pw_core        *core;
	struct pw_stream      *stream;
	struct spa_hook        streamListener;

	uint32_t width;
	uint32_t height;
	uint32_t stride;

	uintptr_t userdata;
} pwCaptureCtx;

extern void goFrameCallback(void *data, uint32_t w, uint32_t h, uint32_t stride, uintptr_t userdata);

static void on_process(void *data) {
	pwCaptureCtx *ctx = (pwCaptureCtx *)data;
	struct pw_buffer *b = pw_stream_dequeue_buffer(ctx->stream);
	if (b == NULL) {
		return;
	}

	struct spa_buffer *buf = b->buffer;
	if (buf->datas[0].data != NULL && buf->datas[0].chunk->size > 0) {
		uint32_t stride = buf->datas[0].chunk->stride;
		if (stride == 0) {
			stride = ctx->stride;
		}
		goFrameCallback(buf->datas[0].data, ctx->width, ctx->height, stride, ctx->userdata);
	}

	pw_stream_queue_buffer(ctx->stream, b);
}

static void on_param_changed(void *data, uint32_t id, const struct spa_pod *param) {
	pwCaptureCtx *ctx = (pwCaptureCtx *)data;
	if (param == NULL || id != SPA_PARAM_Format) {
		return;
	}
	struct spa_video_info_raw info;
	if (spa_format_video_raw_parse(param, &info) < 0) {
		return;
	}
	ctx->width = info.size.width;
	ctx->height = info.size.height;
	ctx->stride = info.size.width * 4;
}

static const struct pw_stream_events stream_events = {
	PW_VERSION_STREAM_EVENTS,
	.param_changed = on_param_changed,
	.process = on_process,
};

static pwCaptureCtx *pw_capture_new(int pipewireFd, uint32_t nodeID, uintptr_t userdata) {
	pwCaptureCtx *ctx = calloc(1, sizeof(pwCaptureCtx));
	if (ctx == NULL) {
		return NULL;
	}
	ctx->userdata = userdata;

	ctx->loop = pw_thread_loop_new("streamlinux-capture", NULL);
	if (ctx->loop == NULL) {
		free(ctx);
		return NULL;
	}

	ctx->context = pw_context_new(pw_thread_loop_get_loop(ctx->loop), NULL, 0);
	pw_thread_loop_lock(ctx->loop);
	pw_thread_loop_start(ctx->loop);

	ctx->core = pw_context_connect_fd(ctx->context, pipewireFd, NULL, 0);
	if (ctx->core == NULL) {
		pw_thread_loop_unlock(ctx->loop);
		return ctx;
	}

	ctx->stream = pw_stream_new(ctx->core, "streamlinux-video",
		pw_properties_new(
			PW_KEY_MEDIA_TYPE, "Video",
			PW_KEY_MEDIA_CATEGORY, "Capture",
			PW_KEY_MEDIA_ROLE, "Screen",
			NULL));

	pw_stream_add_listener(ctx->stream, &ctx->streamListener, &stream_events, ctx);

	uint8_t buffer[1024];
	struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));
	struct spa_rectangle def_size = SPA_RECTANGLE(1920, 1080);
	struct spa_rectangle min_size = SPA_RECTANGLE(1, 1);
	struct spa_rectangle max_size = SPA_RECTANGLE(16384, 16384);
	struct spa_fraction def_rate = SPA_FRACTION(30, 1);
	struct spa_fraction min_rate = SPA_FRACTION(1, 1);
	struct spa_fraction max_rate = SPA_FRACTION(240, 1);

	const struct spa_pod *params[1];
	params[0] = spa_pod_builder_add_object(&b,
		SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat,
		SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_video),
		SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
		SPA_FORMAT_VIDEO_format, SPA_POD_Id(SPA_VIDEO_FORMAT_BGRA),
		SPA_FORMAT_VIDEO_size, SPA_POD_CHOICE_RANGE_Rectangle(&def_size, &min_size, &max_size),
		SPA_FORMAT_VIDEO_framerate, SPA_POD_CHOICE_RANGE_Fraction(&def_rate, &min_rate, &max_rate));

	pw_stream_connect(ctx->stream,
		PW_DIRECTION_INPUT,
		nodeID,
		PW_STREAM_FLAG_AUTOCONNECT | PW_STREAM_FLAG_MAP_BUFFERS,
		params, 1);

	pw_thread_loop_unlock(ctx->loop);
	return ctx;
}

static void pw_capture_free(pwCaptureCtx *ctx) {
	if (ctx == NULL) {
		return;
	}
	if (ctx->loop != NULL) {
		pw_thread_loop_stop(ctx->loop);
	}
	if (ctx->stream != NULL) {
		pw_stream_destroy(ctx->stream);
	}
	if (ctx->context != NULL) {
		pw_context_destroy(ctx->context);
	}
	if (ctx->loop != NULL) {
		pw_thread_loop_destroy(ctx->loop);
	}
	free(ctx);
}

static void pw_global_init(void) {
	pw_init(NULL, NULL);
}
*/
import "C"

import (
	"context"
	"fmt"
	"math"
	"runtime/cgo"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/godbus/dbus/v5"

	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

const (
	portalBus  = "org.freedesktop.portal.Desktop"
	portalPath = "/org/freedesktop/portal/desktop"

	portalScreenCastIface = "org.freedesktop.portal.ScreenCast"
	portalRequestIface    = "org.freedesktop.portal.Request"

	portalSourceMonitor  = uint32(1)
	portalCursorHidden   = uint32(1)
	portalCursorEmbedded = uint32(2)
)

var pwInitOnce sync.Once

// compositorBackend captures via xdg-desktop-portal's ScreenCast interface,
// consuming the resulting PipeWire stream directly (no GStreamer pipeline
// subprocess). Used on Wayland compositors where no X server is present.
type compositorBackend struct {
	mu   sync.Mutex
	cfg  model.CaptureConfig
	conn *dbus.Conn

	sessionHandle string
	pipeWireFD    int
	nodeID        uint32

	pwCtx    *C.pwCaptureCtx
	cbHandle cgo.Handle

	sink   FrameSink
	diff   *frameDiffer
	cancel context.CancelFunc

	frameCount  atomic.Uint64
	windowStart atomic.Int64
	lastWidth   atomic.Uint32
	lastHeight  atomic.Uint32
	measured    atomic.Uint64 // bits of float64, see onFrame
}

func newCompositorBackend(cfg model.CaptureConfig) (Backend, error) {
	pwInitOnce.Do(func() { C.pw_global_init() })
	return &compositorBackend{cfg: cfg, diff: newFrameDiffer()}, nil
}

func (b *compositorBackend) Start(ctx context.Context, sink FrameSink) error {
	if err := b.connectPortal(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()

	handle := cgo.NewHandle(b)
	b.cbHandle = handle
	b.windowStart.Store(time.Now().UnixNano())

	pwCtx := C.pw_capture_new(C.int(b.pipeWireFD), C.uint32_t(b.nodeID), C.uintptr_t(handle))
	if pwCtx == nil {
		handle.Delete()
		return streamerr.New(streamerr.BackendUnavailable, "compositorBackend.Start", "pipewire stream init failed")
	}

	b.mu.Lock()
	b.pwCtx = pwCtx
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	go func() {
		<-runCtx.Done()
		b.Stop()
	}()
	return nil
}

func (b *compositorBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	if b.pwCtx != nil {
		C.pw_capture_free(b.pwCtx)
		b.pwCtx = nil
	}
	if b.cbHandle != 0 {
		b.cbHandle.Delete()
		b.cbHandle = 0
	}
	if b.pipeWireFD != 0 {
		syscall.Close(b.pipeWireFD)
		b.pipeWireFD = 0
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	return nil
}

func (b *compositorBackend) ListMonitors() ([]model.Monitor, error) {
	w := int(b.lastWidth.Load())
	h := int(b.lastHeight.Load())
	if w == 0 || h == 0 {
		w, h = 1920, 1080
	}
	return singleMonitor(w, h), nil
}

func (b *compositorBackend) CurrentResolution() (int, int, error) {
	w := int(b.lastWidth.Load())
	h := int(b.lastHeight.Load())
	if w == 0 || h == 0 {
		return 0, 0, streamerr.New(streamerr.NotInitialized, "compositorBackend.CurrentResolution", "no frame observed yet")
	}
	return w, h, nil
}

func (b *compositorBackend) MeasuredFPS() float64 {
	return math.Float64frombits(b.measured.Load())
}

func (b *compositorBackend) UpdateConfig(cfg model.CaptureConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	b.diff.Reset()
	return nil
}

// IsBGRA reports true: the PipeWire stream is negotiated as SPA_VIDEO_FORMAT_BGRA.
func (b *compositorBackend) IsBGRA() bool { return true }

// TightLoop reports true: frames arrive via the process callback, so the
// capture loop should not impose its own pacing.
func (b *compositorBackend) TightLoop() bool { return true }

func (b *compositorBackend) connectPortal(ctx context.Context) error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "compositorBackend.connectPortal", err)
	}
	b.conn = conn

	if err := conn.Object(portalBus, portalPath).
		Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Err; err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "compositorBackend.connectPortal", err)
	}

	if err := b.createSession(ctx); err != nil {
		return err
	}
	if err := b.selectSources(ctx); err != nil {
		return err
	}
	return b.startSession(ctx)
}

func requestPath(conn *dbus.Conn, token string) dbus.ObjectPath {
	sender := conn.Names()[0]
	var sb strings.Builder
	for _, c := range sender[1:] {
		if c == '.' {
			sb.WriteByte('_')
		} else {
			sb.WriteRune(c)
		}
	}
	return dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/portal/desktop/request/%s/%s", sb.String(), token))
}

func (b *compositorBackend) createSession(ctx context.Context) error {
	sessionToken := fmt.Sprintf("streamlinux_%d", time.Now().UnixNano())
	requestToken := fmt.Sprintf("req_%d", time.Now().UnixNano())
	reqPath := requestPath(b.conn, requestToken)

	if err := b.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(reqPath),
		dbus.WithMatchInterface(portalRequestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "compositorBackend.createSession", err)
	}
	sigChan := make(chan *dbus.Signal, 10)
	b.conn.Signal(sigChan)
	defer b.conn.RemoveSignal(sigChan)

	portalObj := b.conn.Object(portalBus, portalPath)
	options := map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(requestToken),
		"session_handle_token": dbus.MakeVariant(sessionToken),
	}
	var reqRet dbus.ObjectPath
	if err := portalObj.Call(portalScreenCastIface+".CreateSession", 0, options).Store(&reqRet); err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "compositorBackend.createSession", err)
	}

	handle, err := waitPortalString(ctx, sigChan, "session_handle")
	if err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "compositorBackend.createSession", err)
	}
	b.sessionHandle = handle
	return nil
}

func (b *compositorBackend) selectSources(ctx context.Context) error {
	requestToken := fmt.Sprintf("req_%d", time.Now().UnixNano())
	reqPath := requestPath(b.conn, requestToken)

	if err := b.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(reqPath),
		dbus.WithMatchInterface(portalRequestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "compositorBackend.selectSources", err)
	}
	sigChan := make(chan *dbus.Signal, 10)
	b.conn.Signal(sigChan)
	defer b.conn.RemoveSignal(sigChan)

	cursorMode := portalCursorHidden
	if b.cfg.CursorVisible {
		cursorMode = portalCursorEmbedded
	}

	portalObj := b.conn.Object(portalBus, portalPath)
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(requestToken),
		"types":        dbus.MakeVariant(portalSourceMonitor),
		"cursor_mode":  dbus.MakeVariant(cursorMode),
		"persist_mode": dbus.MakeVariant(uint32(0)),
	}
	var reqRet dbus.ObjectPath
	if err := portalObj.Call(portalScreenCastIface+".SelectSources", 0,
		dbus.ObjectPath(b.sessionHandle), options).Store(&reqRet); err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "compositorBackend.selectSources", err)
	}

	_, err := waitPortalString(ctx, sigChan, "")
	return err
}

func (b *compositorBackend) startSession(ctx context.Context) error {
	requestToken := fmt.Sprintf("req_%d", time.Now().UnixNano())
	reqPath := requestPath(b.conn, requestToken)

	if err := b.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(reqPath),
		dbus.WithMatchInterface(portalRequestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "compositorBackend.startSession", err)
	}
	sigChan := make(chan *dbus.Signal, 10)
	b.conn.Signal(sigChan)
	defer b.conn.RemoveSignal(sigChan)

	portalObj := b.conn.Object(portalBus, portalPath)
	options := map[string]dbus.Variant{"handle_token": dbus.MakeVariant(requestToken)}
	var reqRet dbus.ObjectPath
	if err := portalObj.Call(portalScreenCastIface+".Start", 0,
		dbus.ObjectPath(b.sessionHandle), "", options).Store(&reqRet); err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "compositorBackend.startSession", err)
	}

	nodeID, err := waitPortalStreams(ctx, sigChan)
	if err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "compositorBackend.startSession", err)
	}
	b.nodeID = nodeID

	var fd dbus.UnixFD
	if err := portalObj.Call(portalScreenCastIface+".OpenPipeWireRemote", 0,
		dbus.ObjectPath(b.sessionHandle), map[string]dbus.Variant{}).Store(&fd); err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "compositorBackend.startSession", err)
	}
	dup, err := syscall.Dup(int(fd))
	if err != nil {
		b.pipeWireFD = int(fd)
	} else {
		b.pipeWireFD = dup
	}
	return nil
}

func waitPortalString(ctx context.Context, sigChan chan *dbus.Signal, key string) (string, error) {
	timeout := time.After(30 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case sig := <-sigChan:
			if sig.Name != portalRequestIface+".Response" || len(sig.Body) < 2 {
				continue
			}
			response, ok := sig.Body[0].(uint32)
			if !ok || response != 0 {
				return "", fmt.Errorf("portal response error code %v", sig.Body[0])
			}
			if key == "" {
				return "", nil
			}
			results, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				return "", nil
			}
			if v, ok := results[key]; ok {
				if s, ok := v.Value().(string); ok {
					return s, nil
				}
			}
			return "", nil
		case <-timeout:
			return "", fmt.Errorf("timeout waiting for portal response")
		}
	}
}

func waitPortalStreams(ctx context.Context, sigChan chan *dbus.Signal) (uint32, error) {
	timeout := time.After(30 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case sig := <-sigChan:
			if sig.Name != portalRequestIface+".Response" || len(sig.Body) < 2 {
				continue
			}
			response, ok := sig.Body[0].(uint32)
			if !ok || response != 0 {
				return 0, fmt.Errorf("portal response error code %v", sig.Body[0])
			}
			results, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				return 0, fmt.Errorf("invalid portal response format")
			}
			streams, ok := results["streams"]
			if !ok {
				return 0, fmt.Errorf("no streams in portal response")
			}
			if arr, ok := streams.Value().([][]interface{}); ok && len(arr) > 0 && len(arr[0]) > 0 {
				if nodeID, ok := arr[0][0].(uint32); ok {
					return nodeID, nil
				}
			}
			return 0, fmt.Errorf("failed to parse streams from portal response")
		case <-timeout:
			return 0, fmt.Errorf("timeout waiting for portal streams")
		}
	}
}

//export goFrameCallback
func goFrameCallback(data unsafe.Pointer, w, h, stride C.uint32_t, userdata C.uintptr_t) {
	handle := cgo.Handle(userdata)
	b, ok := handle.Value().(*compositorBackend)
	if !ok {
		return
	}
	b.onFrame(data, uint32(w), uint32(h), uint32(stride))
}

func (b *compositorBackend) onFrame(data unsafe.Pointer, width, height, stride uint32) {
	if width == 0 || height == 0 {
		return
	}
	if err := checkDimensions(int(width), int(height)); err != nil {
		log.Warn("compositor frame rejected", "error", err)
		return
	}

	b.lastWidth.Store(width)
	b.lastHeight.Store(height)

	// The declared stride can exceed width*4 on padded buffers; re-check the
	// actual copy size against the buffer bound before consuming.
	size := int64(stride) * int64(height)
	if size <= 0 || size > MaxBuffer {
		log.Warn("compositor frame rejected", "stride", stride, "height", height)
		return
	}
	buf := C.GoBytes(data, C.int(size))

	b.mu.Lock()
	sink := b.sink
	diff := b.diff
	b.mu.Unlock()
	if sink == nil {
		return
	}
	if !diff.HasChanged(buf) {
		return
	}

	sink(model.RawVideoFrame{
		Buffer: buf,
		Width:  int(width),
		Height: int(height),
		Stride: int(stride),
		Layout: model.PixelLayoutBGRA,
		PTS:    time.Now().UnixMicro(),
	})

	count := b.frameCount.Add(1)
	start := b.windowStart.Load()
	elapsed := time.Since(time.Unix(0, start))
	if elapsed >= time.Second {
		b.measured.Store(math.Float64bits(float64(count) / elapsed.Seconds()))
		b.frameCount.Store(0)
		b.windowStart.Store(time.Now().UnixNano())
	}
}

var _ Backend = (*compositorBackend)(nil)
