package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flowsim/flowsim/sim"
)

var serveAddr string

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The host UI is served from another origin during development.
		return true
	},
}

// ClientMessage is a command from the host UI.
type ClientMessage struct {
	Type     string  `json:"type"` // "start" or "stop"
	Duration float64 `json:"duration,omitempty"`
	Interval float64 `json:"interval,omitempty"`
}

// ServerMessage is pushed to the host UI.
type ServerMessage struct {
	Type         string            `json:"type"` // "status", "notification", "result" or "error"
	State        string            `json:"state,omitempty"`
	Notification *sim.Notification `json:"notification,omitempty"`
	Error        string            `json:"error,omitempty"`
	Result       *ResultSummary    `json:"result,omitempty"`
}

// ResultSummary describes a finished run and its export.
type ResultSummary struct {
	RunID   string   `json:"run_id"`
	Outcome string   `json:"outcome"`
	Partial bool     `json:"partial"`
	EndTime float64  `json:"end_time"`
	Files   []string `json:"files,omitempty"`
}

// safeConn wraps a WebSocket connection with a mutex to prevent concurrent writes
type safeConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (sc *safeConn) WriteJSON(v interface{}) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.Conn.WriteJSON(v)
}

// server hosts runs of one analysis for websocket clients.
type server struct {
	cfg      *AnalysisConfig
	log      *logrus.Entry
	notifier sim.Notifier // shared sinks such as metrics
}

func newServer(cfg *AnalysisConfig, shared sim.Notifier, log *logrus.Entry) *server {
	return &server{cfg: cfg, log: log.WithField("component", "server"), notifier: shared}
}

func (s *server) routes(reg *prometheus.Registry) *http.ServeMux {
	mux := metricsMux(reg)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// session is one client connection. It owns a controller, so a client runs
// at most one analysis at a time.
type session struct {
	srv      *server
	conn     *safeConn
	ctrl     *sim.Controller
	log      *logrus.Entry
	// notifier fans out to shared sinks, the log and this client.
	notifier sim.Notifier
	mu       sync.Mutex
	handle   *sim.RunHandle
	wg       sync.WaitGroup
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sess := &session{srv: s, conn: &safeConn{Conn: conn}, log: s.log.WithField("remote", r.RemoteAddr)}
	notifier := sim.MultiNotifier{s.notifier, sim.LogNotifier{Log: sess.log}, sim.NotifierFunc(sess.forward)}
	sess.ctrl = sim.NewController(&s.cfg.Topology, lineFactory(&s.cfg.Topology, s.cfg.Seed, sess.log),
		sim.WithNotifier(notifier), sim.WithLogger(sess.log))
	sess.notifier = notifier

	sess.log.Info("client connected")
	if err := sess.conn.WriteJSON(ServerMessage{Type: "status", State: sess.ctrl.State().String()}); err != nil {
		return
	}

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sess.log.WithError(err).Warn("read failed")
			}
			break
		}
		switch msg.Type {
		case "start":
			sess.start(msg)
		case "stop":
			sess.stop()
		default:
			_ = sess.conn.WriteJSON(ServerMessage{Type: "error", Error: "unknown command " + msg.Type})
		}
	}

	sess.stop()
	sess.wg.Wait()
	sess.log.Info("client disconnected")
}

func (sess *session) forward(n sim.Notification) {
	_ = sess.conn.WriteJSON(ServerMessage{Type: "notification", Notification: &n})
}

func (sess *session) start(msg ClientMessage) {
	cfg := *sess.srv.cfg
	if msg.Duration > 0 {
		cfg.Run.Duration = msg.Duration
	}
	if msg.Interval > 0 {
		cfg.Run.Interval = msg.Interval
	}
	rc := cfg.RunConfig()
	for _, n := range sim.Preflight(rc).Notifications() {
		sess.forward(n)
	}

	// Runs are stopped explicitly, by the client or when it disconnects.
	h, err := sess.ctrl.Start(context.Background(), rc)
	if err != nil {
		_ = sess.conn.WriteJSON(ServerMessage{Type: "error", Error: err.Error()})
		return
	}
	sess.mu.Lock()
	sess.handle = h
	sess.mu.Unlock()
	_ = sess.conn.WriteJSON(ServerMessage{Type: "status", State: sim.StateRunning.String()})

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		result, runErr := h.Wait(context.Background())
		sess.mu.Lock()
		sess.handle = nil
		sess.mu.Unlock()
		if result == nil {
			_ = sess.conn.WriteJSON(ServerMessage{Type: "error", Error: runErr.Error()})
			return
		}
		summary := &ResultSummary{
			RunID:   result.ID.String(),
			Outcome: string(result.Outcome),
			Partial: result.Partial,
			EndTime: result.EndTime,
		}
		cfg.Export.BaseName = runBaseName(cfg.Export.BaseName, result.ID.String())
		paths, err := newExporter(&cfg, sess.notifier, sess.log).Export(context.Background(), result)
		if err != nil {
			_ = sess.conn.WriteJSON(ServerMessage{Type: "error", Error: err.Error(), Result: summary})
			return
		}
		summary.Files = []string{paths.SystemStates, paths.Statistics, paths.Conditions}
		_ = sess.conn.WriteJSON(ServerMessage{Type: "result", Result: summary})
	}()
}

// runBaseName keeps the exports of concurrent sessions apart.
func runBaseName(base, runID string) string {
	return base + "_" + runID
}

func (sess *session) stop() {
	sess.mu.Lock()
	h := sess.handle
	sess.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// serveCmd hosts the analysis for a websocket UI.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve runs of an analysis over a websocket, with Prometheus metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadWithOverrides(cmd)
		if err != nil {
			return err
		}
		log := logrus.WithField("addr", serveAddr)
		reg := prometheus.NewRegistry()
		srv := &http.Server{
			Addr:    serveAddr,
			Handler: newServer(cfg, newPromNotifier(reg), log).routes(reg),
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		log.Info("serving /ws and /metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
}
