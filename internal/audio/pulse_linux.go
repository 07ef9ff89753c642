//go:build linux

package audio

/*
#cgo pkg-config: libpulse libpulse-simple
#include <pulse/pulseaudio.h>
#include <pulse/simple.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	char name[256];
	char description[256];
	int  isMonitor;
} pulseSourceInfo;

typedef struct {
	pulseSourceInfo sources[64];
	int             count;
	int             done;
} pulseEnumCtx;

static void source_info_cb(pa_context *c, const pa_source_info *info, int eol, void *userdata) {
	pulseEnumCtx *ctx = (pulseEnumCtx *)userdata;
	if (eol) {
		ctx->done = 1;
		return;
	}
	if (info == NULL || ctx->count >= 64) {
		return;
	}
	pulseSourceInfo *s = &ctx->sources[ctx->count];
	strncpy(s->name, info->name, sizeof(s->name)-1);
	strncpy(s->description, info->description ? info->description : "", sizeof(s->description)-1);
	s->isMonitor = (info->monitor_of_sink != PA_INVALID_INDEX) ? 1 : 0;
	ctx->count++;
}

static void context_state_cb(pa_context *c, void *userdata) {
	int *ready = (int *)userdata;
	pa_context_state_t state = pa_context_get_state(c);
	if (state == PA_CONTEXT_READY || state == PA_CONTEXT_FAILED || state == PA_CONTEXT_TERMINATED) {
		*ready = (int)state;
	}
}

// enumerate_sources blocks (via its own mainloop) until pulseaudio returns
// the full source list, or the mainloop iteration budget is exhausted.
static int enumerate_sources(pulseEnumCtx *out) {
	pa_mainloop *ml = pa_mainloop_new();
	pa_mainloop_api *api = pa_mainloop_get_api(ml);
	pa_context *ctx = pa_context_new(api, "streamlinux-enum");

	int ready = 0;
	pa_context_set_state_callback(ctx, context_state_cb, &ready);
	if (pa_context_connect(ctx, NULL, PA_CONTEXT_NOFLAGS, NULL) < 0) {
		pa_context_unref(ctx);
		pa_mainloop_free(ml);
		return 1;
	}

	for (int i = 0; i < 2000 && ready == 0; i++) {
		pa_mainloop_iterate(ml, 1, NULL);
	}
	if (ready != PA_CONTEXT_READY) {
		pa_context_unref(ctx);
		pa_mainloop_free(ml);
		return 2;
	}

	pa_operation *op = pa_context_get_source_info_list(ctx, source_info_cb, out);
	for (int i = 0; i < 2000 && !out->done; i++) {
		pa_mainloop_iterate(ml, 1, NULL);
	}
	pa_operation_unref(op);

	pa_context_disconnect(ctx);
	pa_context_unref(ctx);
	pa_mainloop_free(ml);
	return 0;
}

// pa_simple wraps the blocking record API: one open handle per capture
// session, read in a dedicated goroutine.
static pa_simple *pulse_open(const char *device, int rate, int channels, int *err) {
	pa_sample_spec spec;
	spec.format = PA_SAMPLE_FLOAT32LE;
	spec.rate = (uint32_t)rate;
	spec.channels = (uint8_t)channels;

	return pa_simple_new(NULL, "streamlinux", PA_STREAM_RECORD, device,
		"system audio capture", &spec, NULL, NULL, err);
}

static int pulse_read(pa_simple *s, void *buf, size_t bytes, int *err) {
	return pa_simple_read(s, buf, bytes, err);
}

static void pulse_close(pa_simple *s) {
	if (s != NULL) {
		pa_simple_free(s);
	}
}
*/
import "C"

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

// pulseBackend captures via libpulse's simple blocking API, reading from one
// device: a sink monitor (system audio) or a non-monitor source
// (microphone). In mixed mode it opens a single device (the selected one,
// else the first enumerated) and does not mix sources.
type pulseBackend struct {
	mu     sync.Mutex
	cfg    model.AudioConfig
	mode   Mode
	device string

	handle   *C.pa_simple
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	latency  atomic.Uint64 // bits of float64, ms
}

func newPulseBackend(cfg model.AudioConfig, mode Mode) (Backend, error) {
	return &pulseBackend{cfg: cfg, mode: mode}, nil
}

func (b *pulseBackend) EnumerateDevices() ([]Device, error) {
	var out C.pulseEnumCtx
	rc := C.enumerate_sources(&out)
	if rc != 0 {
		return nil, streamerr.New(streamerr.BackendUnavailable, "pulseBackend.EnumerateDevices", "pulseaudio unavailable")
	}

	devices := make([]Device, 0, int(out.count))
	for i := 0; i < int(out.count); i++ {
		src := out.sources[i]
		devices = append(devices, Device{
			ID:          C.GoString(&src.name[0]),
			Name:        C.GoString(&src.name[0]),
			Description: C.GoString(&src.description[0]),
			IsMonitor:   src.isMonitor != 0,
		})
	}
	return devices, nil
}

func (b *pulseBackend) SelectDevice(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.device = id
	return nil
}

func (b *pulseBackend) Start(ctx context.Context, sink FrameSink) error {
	b.mu.Lock()
	device := b.device
	b.mu.Unlock()

	if device == "" {
		devices, err := b.EnumerateDevices()
		if err != nil {
			return err
		}
		device = defaultDeviceFor(devices, b.mode)
		if device == "" {
			return streamerr.Wrap(streamerr.BackendUnavailable, "pulseBackend.Start", ErrNoDeviceFound)
		}
	}

	cDevice := C.CString(device)
	defer C.free(unsafe.Pointer(cDevice))

	var cerr C.int
	handle := C.pulse_open(cDevice, C.int(b.cfg.SampleRate), C.int(b.cfg.Channels), &cerr)
	if handle == nil {
		return streamerr.New(streamerr.BackendUnavailable, "pulseBackend.Start",
			fmt.Sprintf("pa_simple_new failed: %d", int(cerr)))
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.handle = handle
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.readLoop(runCtx, sink)
	return nil
}

func (b *pulseBackend) readLoop(ctx context.Context, sink FrameSink) {
	defer b.wg.Done()

	frameMs := b.cfg.FrameMs
	if frameMs <= 0 {
		frameMs = 20
	}
	samplesPerChannel := int(float64(b.cfg.SampleRate) * frameMs / 1000.0)
	if err := checkFrame(samplesPerChannel, b.cfg.Channels); err != nil {
		log.Warn("pulse backend refused to start", "error", err)
		return
	}

	byteLen := samplesPerChannel * b.cfg.Channels * 4 // float32
	buf := make([]float32, samplesPerChannel*b.cfg.Channels)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		var cerr C.int
		rc := C.pulse_read(b.handle, unsafe.Pointer(&buf[0]), C.size_t(byteLen), &cerr)
		if rc < 0 {
			log.Warn("pulse read failed", "error", int(cerr))
			return
		}
		b.latency.Store(math.Float64bits(time.Since(start).Seconds() * 1000))

		frame := model.RawAudioFrame{
			Samples:           append([]float32(nil), buf...),
			SampleRate:        b.cfg.SampleRate,
			Channels:          b.cfg.Channels,
			SamplesPerChannel: samplesPerChannel,
			PTS:               time.Now().UnixMicro(),
		}
		sink(frame)
	}
}

func (b *pulseBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if b.handle != nil {
		C.pulse_close(b.handle)
		b.handle = nil
	}
	return nil
}

func (b *pulseBackend) MeasuredLatencyMs() float64 {
	return math.Float64frombits(b.latency.Load())
}

func defaultDeviceFor(devices []Device, mode Mode) string {
	for _, d := range devices {
		if mode == ModeSystem && d.IsMonitor {
			return d.ID
		}
		if mode == ModeMic && !d.IsMonitor {
			return d.ID
		}
	}
	if len(devices) > 0 {
		return devices[0].ID
	}
	return ""
}

var _ Backend = (*pulseBackend)(nil)
