//go:build linux

package audio

/*
#cgo pkg-config: libpipewire-0.3 libspa-0.2
#include <pipewire/pipewire.h>
#include <spa/param/audio/format-utils.h>
#include <spa/param/param.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	struct pw_thread_loop *loop;
	struct pw_stream      *stream;
	struct spa_hook        streamListener;

	uint32_t rate;
	uint32_t channels;

	uintptr_t userdata;
} pwAudioCtx;

extern void goAudioCallback(float *samples, uint32_t nsamples, uintptr_t userdata);

static void on_audio_process(void *data) {
	pwAudioCtx *ctx = (pwAudioCtx *)data;
	struct pw_buffer *b = pw_stream_dequeue_buffer(ctx->stream);
	if (b == NULL) {
		return;
	}

	struct spa_buffer *buf = b->buffer;
	if (buf->datas[0].data != NULL && buf->datas[0].chunk->size > 0) {
		uint32_t nsamples = buf->datas[0].chunk->size / sizeof(float);
		goAudioCallback((float *)buf->datas[0].data, nsamples, ctx->userdata);
	}

	pw_stream_queue_buffer(ctx->stream, b);
}

static const struct pw_stream_events audio_stream_events = {
	PW_VERSION_STREAM_EVENTS,
	.process = on_audio_process,
};

// pw_audio_new connects a float32 capture stream to the default target:
// captureSink selects the output sink's monitor (system audio) versus the
// default source (microphone).
static pwAudioCtx *pw_audio_new(uint32_t rate, uint32_t channels, int captureSink, uintptr_t userdata) {
	pwAudioCtx *ctx = calloc(1, sizeof(pwAudioCtx));
	if (ctx == NULL) {
		return NULL;
	}
	ctx->rate = rate;
	ctx->channels = channels;
	ctx->userdata = userdata;

	ctx->loop = pw_thread_loop_new("streamlinux-audio", NULL);
	if (ctx->loop == NULL) {
		free(ctx);
		return NULL;
	}

	pw_thread_loop_lock(ctx->loop);
	pw_thread_loop_start(ctx->loop);

	struct pw_properties *props = pw_properties_new(
		PW_KEY_MEDIA_TYPE, "Audio",
		PW_KEY_MEDIA_CATEGORY, "Capture",
		PW_KEY_MEDIA_ROLE, "Music",
		NULL);
	if (captureSink) {
		pw_properties_set(props, PW_KEY_STREAM_CAPTURE_SINK, "true");
	}

	ctx->stream = pw_stream_new_simple(
		pw_thread_loop_get_loop(ctx->loop),
		"streamlinux-audio",
		props,
		&audio_stream_events,
		ctx);
	if (ctx->stream == NULL) {
		pw_thread_loop_unlock(ctx->loop);
		pw_thread_loop_stop(ctx->loop);
		pw_thread_loop_destroy(ctx->loop);
		free(ctx);
		return NULL;
	}

	uint8_t buffer[1024];
	struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));
	struct spa_audio_info_raw info = SPA_AUDIO_INFO_RAW_INIT(
		.format = SPA_AUDIO_FORMAT_F32,
		.rate = rate,
		.channels = channels);
	const struct spa_pod *params[1];
	params[0] = spa_format_audio_raw_build(&b, SPA_PARAM_EnumFormat, &info);

	int rc = pw_stream_connect(ctx->stream,
		PW_DIRECTION_INPUT,
		PW_ID_ANY,
		PW_STREAM_FLAG_AUTOCONNECT | PW_STREAM_FLAG_MAP_BUFFERS | PW_STREAM_FLAG_RT_PROCESS,
		params, 1);

	pw_thread_loop_unlock(ctx->loop);

	if (rc < 0) {
		pw_thread_loop_stop(ctx->loop);
		pw_stream_destroy(ctx->stream);
		pw_thread_loop_destroy(ctx->loop);
		free(ctx);
		return NULL;
	}
	return ctx;
}

static void pw_audio_free(pwAudioCtx *ctx) {
	if (ctx == NULL) {
		return;
	}
	if (ctx->loop != NULL) {
		pw_thread_loop_stop(ctx->loop);
	}
	if (ctx->stream != NULL) {
		pw_stream_destroy(ctx->stream);
	}
	if (ctx->loop != NULL) {
		pw_thread_loop_destroy(ctx->loop);
	}
	free(ctx);
}

static void pw_audio_global_init(void) {
	pw_init(NULL, NULL);
}
*/
import "C"

import (
	"context"
	"os"
	"path/filepath"
	"runtime/cgo"
	"sync"
	"time"
	"unsafe"

	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var pwAudioInitOnce sync.Once

// pipeWireBackend captures system audio through PipeWire's native stream
// API. Frames arrive on the stream's realtime callback in arbitrary chunk
// sizes; the backend re-frames them to exactly cfg.FrameMs before delivery.
type pipeWireBackend struct {
	mu   sync.Mutex
	cfg  model.AudioConfig
	mode Mode

	ctx      *C.pwAudioCtx
	cbHandle cgo.Handle
	sink     FrameSink

	accum        []float32
	frameSamples int // samples per channel per emitted frame
	started      time.Time
}

// newPipeWireBackend refuses to construct when the PipeWire daemon's socket
// is absent, so auto-selection falls through to the PulseAudio layer.
func newPipeWireBackend(cfg model.AudioConfig, mode Mode) (Backend, error) {
	if !pipeWireAvailable() {
		return nil, streamerr.Wrap(streamerr.BackendUnavailable, "pipeWireBackend", ErrNotSupported)
	}
	if mode == ModeMixed {
		// Mixing two streams needs two pw_streams and a mixer, which this
		// backend does not build; refusing here lets auto-selection fall
		// through to the pulse backend.
		return nil, streamerr.New(streamerr.NotSupported, "pipeWireBackend", "mixed mode uses the pulse layer")
	}
	pwAudioInitOnce.Do(func() { C.pw_audio_global_init() })
	return &pipeWireBackend{cfg: cfg, mode: mode}, nil
}

func pipeWireAvailable() bool {
	runtimeDir := os.Getenv("PIPEWIRE_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = os.Getenv("XDG_RUNTIME_DIR")
	}
	if runtimeDir == "" {
		return false
	}
	remote := os.Getenv("PIPEWIRE_REMOTE")
	if remote == "" {
		remote = "pipewire-0"
	}
	_, err := os.Stat(filepath.Join(runtimeDir, remote))
	return err == nil
}

func (b *pipeWireBackend) Start(ctx context.Context, sink FrameSink) error {
	frameMs := b.cfg.FrameMs
	if frameMs <= 0 {
		frameMs = 20
	}
	frameSamples := int(float64(b.cfg.SampleRate) * frameMs / 1000.0)
	if err := checkFrame(frameSamples, b.cfg.Channels); err != nil {
		return err
	}

	b.mu.Lock()
	b.sink = sink
	b.frameSamples = frameSamples
	b.accum = make([]float32, 0, frameSamples*b.cfg.Channels*2)
	b.started = time.Now()
	b.mu.Unlock()

	handle := cgo.NewHandle(b)
	b.cbHandle = handle

	captureSink := C.int(0)
	if b.mode == ModeSystem {
		captureSink = 1
	}

	pwCtx := C.pw_audio_new(C.uint32_t(b.cfg.SampleRate), C.uint32_t(b.cfg.Channels), captureSink, C.uintptr_t(handle))
	if pwCtx == nil {
		handle.Delete()
		return streamerr.New(streamerr.BackendUnavailable, "pipeWireBackend.Start", "pipewire stream init failed")
	}

	b.mu.Lock()
	b.ctx = pwCtx
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Stop()
	}()
	return nil
}

func (b *pipeWireBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		C.pw_audio_free(b.ctx)
		b.ctx = nil
	}
	if b.cbHandle != 0 {
		b.cbHandle.Delete()
		b.cbHandle = 0
	}
	b.sink = nil
	return nil
}

func (b *pipeWireBackend) EnumerateDevices() ([]Device, error) {
	// The stream autoconnects to the session manager's default target;
	// per-node enumeration goes through the pulse layer, which PipeWire
	// itself serves.
	if b.mode == ModeMic {
		return []Device{{ID: "default-source", Name: "Default source", Description: "PipeWire default source", IsDefault: true}}, nil
	}
	return []Device{{ID: "default-monitor", Name: "Default sink monitor", Description: "PipeWire default sink monitor", IsMonitor: true, IsDefault: true}}, nil
}

func (b *pipeWireBackend) SelectDevice(id string) error {
	return streamerr.New(streamerr.NotSupported, "pipeWireBackend.SelectDevice", "device selection goes through the session manager")
}

func (b *pipeWireBackend) MeasuredLatencyMs() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	// One re-framing buffer of latency on top of the stream's own quantum.
	if b.cfg.SampleRate == 0 {
		return 0
	}
	return float64(b.frameSamples) / float64(b.cfg.SampleRate) * 1000
}

//export goAudioCallback
func goAudioCallback(samples *C.float, nsamples C.uint32_t, userdata C.uintptr_t) {
	handle := cgo.Handle(userdata)
	b, ok := handle.Value().(*pipeWireBackend)
	if !ok {
		return
	}
	n := int(nsamples)
	if n == 0 {
		return
	}
	chunk := unsafe.Slice((*float32)(unsafe.Pointer(samples)), n)
	b.onSamples(chunk)
}

// onSamples accumulates realtime-callback chunks and emits fixed-duration
// frames. Runs on the PipeWire data thread; keep it allocation-light.
func (b *pipeWireBackend) onSamples(chunk []float32) {
	b.mu.Lock()
	sink := b.sink
	if sink == nil {
		b.mu.Unlock()
		return
	}
	b.accum = append(b.accum, chunk...)

	frameLen := b.frameSamples * b.cfg.Channels
	var out []model.RawAudioFrame
	for len(b.accum) >= frameLen {
		samples := make([]float32, frameLen)
		copy(samples, b.accum[:frameLen])
		b.accum = b.accum[:copy(b.accum, b.accum[frameLen:])]

		out = append(out, model.RawAudioFrame{
			Samples:           samples,
			SampleRate:        b.cfg.SampleRate,
			Channels:          b.cfg.Channels,
			SamplesPerChannel: b.frameSamples,
			PTS:               time.Now().UnixMicro(),
		})
	}
	b.mu.Unlock()

	for i := range out {
		if err := checkFrame(out[i].SamplesPerChannel, out[i].Channels); err != nil {
			log.Warn("rejecting malformed audio frame", "error", err)
			continue
		}
		sink(out[i])
	}
}

var _ Backend = (*pipeWireBackend)(nil)
