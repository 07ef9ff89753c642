// Package broker implements the signaling broker: a small, stateful,
// in-memory service that accepts message-channel connections from hosts
// and viewers, authenticates them, forms rooms, forwards negotiation and
// candidate traffic between room members, and expires idle rooms.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/internal/ratelimit"
	"github.com/streamlinux/streamlinux/internal/tlsutil"
	"github.com/streamlinux/streamlinux/internal/workerpool"
)

var log = logging.L("broker")

// fanoutWorkers/fanoutQueue bound the goroutines used to deliver a single
// inbound message to multiple room members (room joins, negotiation
// forwarding) so a burst of simultaneous joins can't spawn unbounded
// concurrent writes; a full queue falls back to a synchronous send rather
// than dropping the message.
const (
	fanoutWorkers = 16
	fanoutQueue   = 256
)

// Broker is the signaling server. Construct with New, then Run.
type Broker struct {
	cfg      Config
	reg      *registry
	limiter  *ratelimit.Limiter
	fanout   *workerpool.Pool
	upgrader websocket.Upgrader

	srv *http.Server

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New validates cfg and constructs a Broker. Refuses a plaintext listener
// bound to a non-loopback address.
func New(cfg Config) (*Broker, error) {
	if cfg.AllowInsecure && (cfg.TLSCertPath != "" || cfg.TLSKeyPath != "") {
		return nil, fmt.Errorf("broker: allow_insecure and TLS cert/key are mutually exclusive")
	}
	if (cfg.TLSCertPath == "" || cfg.TLSKeyPath == "") && !isLoopbackHost(cfg.Host) {
		return nil, fmt.Errorf("broker: refusing to bind %s without TLS; pass --allow-insecure only for loopback", cfg.Host)
	}

	b := &Broker{
		cfg:     cfg,
		reg:     newRegistry(cfg.TokenTTL),
		limiter: ratelimit.New(rateLimitAttempts, rateLimitWindow),
		fanout:  workerpool.New(fanoutWorkers, fanoutQueue),
		stop:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	b.upgrader.CheckOrigin = b.checkOrigin

	return b, nil
}

// Run starts the HTTP(S) listener and the background sweep loops, blocking
// until ctx is canceled. Always returns a non-nil error (ctx.Err() once ctx
// is canceled, otherwise the listener's own error).
func (b *Broker) Run(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/ws", b.handleSignaling)
	router.HandleFunc("/ws/signaling", b.handleSignaling)
	router.HandleFunc("/health", b.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/rooms", b.handleRooms).Methods(http.MethodGet)
	router.HandleFunc("/hosts", b.handleHosts).Methods(http.MethodGet)
	if b.cfg.EnableQR {
		router.HandleFunc("/qr", b.handleQR).Methods(http.MethodGet)
		router.HandleFunc("/qr/image", b.handleQRImage).Methods(http.MethodGet)
	}

	tlsConfig, err := tlsutil.BuildServerConfig(b.cfg.TLSCertPath, b.cfg.TLSKeyPath)
	if err != nil {
		return fmt.Errorf("broker: tls config: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port)
	b.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		TLSConfig:    tlsConfig,
		ReadTimeout:  readDeadline,
		WriteTimeout: writeDeadline,
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sweepLoop()
	}()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			log.Info("broker listening", "addr", addr, "tls", true)
			err = b.srv.ListenAndServeTLS("", "")
		} else {
			log.Info("broker listening without TLS", "addr", addr)
			err = b.srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		b.Shutdown()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the listener and background loops. Safe to call more
// than once.
func (b *Broker) Shutdown() {
	b.stopOnce.Do(func() {
		close(b.stop)
		if b.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			b.srv.Shutdown(ctx)
		}
		b.fanout.StopAccepting()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		b.fanout.Drain(drainCtx)
	})
	b.wg.Wait()
}

func (b *Broker) sweepLoop() {
	tokenTicker := time.NewTicker(tokenSweepPeriod)
	roomTicker := time.NewTicker(roomSweepPeriod)
	defer tokenTicker.Stop()
	defer roomTicker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-tokenTicker.C:
			if n := b.reg.sweepTokens(time.Now()); n > 0 {
				log.Debug("swept expired tokens", "count", n)
			}
		case <-roomTicker.C:
			if ids := b.reg.sweepIdleRooms(time.Now(), b.cfg.RoomTimeout); len(ids) > 0 {
				log.Info("swept idle rooms", "rooms", ids)
			}
		}
	}
}

// checkOrigin implements the CORS-equivalent policy: empty origin (native
// clients) and private-network origins are accepted; everything else must
// be in the configured allow-list.
func (b *Broker) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return isPrivateNetworkOrigin(origin)
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Broker) handleRooms(w http.ResponseWriter, r *http.Request) {
	if !b.authorizeREST(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, b.reg.snapshotRooms())
}

func (b *Broker) handleHosts(w http.ResponseWriter, r *http.Request) {
	if !b.authorizeREST(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, b.reg.snapshotHosts(time.Now()))
}

func (b *Broker) authorizeREST(w http.ResponseWriter, r *http.Request) bool {
	if isLoopbackAddr(r.RemoteAddr) {
		return true
	}
	token := bearerToken(r)
	if !b.reg.checkToken(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isLoopbackHost(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isPrivateNetworkOrigin(origin string) bool {
	host := origin
	if idx := strings.Index(origin, "://"); idx >= 0 {
		host = origin[idx+3:]
	}
	if idx := strings.IndexAny(host, ":/"); idx >= 0 {
		host = host[:idx]
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback()
}
