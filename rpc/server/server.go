package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
	"github.com/ValentinKolb/tcsrpc/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("tcs/server")

// NewTCSServer creates a new TCS server. Services are added with RegisterService
// or single handlers with Handle before the server is started.
//
// Usage:
//
//	s := server.NewTCSServer(config, tcp.NewTCPServerTransport())
//	s.RegisterService(server.NewEmulator())
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewTCSServer(config common.ServerConfig, transport transport.IRPCServerTransport) *TCSServer {
	Logger.Infof("Created TCS Server")
	Logger.Infof(config.String())

	return &TCSServer{
		config:    config,
		transport: transport,
		handlers:  xsync.NewMapOf[common.Opcode, HandlerFunc](),
	}
}

// TCSServer routes request packets to the handler registered for their opcode
type TCSServer struct {
	config    common.ServerConfig
	transport transport.IRPCServerTransport
	handlers  *xsync.MapOf[common.Opcode, HandlerFunc]
	metrics   *http.Server
}

// Handle registers h for op, replacing an earlier handler
func (s *TCSServer) Handle(op common.Opcode, h HandlerFunc) {
	s.handlers.Store(op, h)
}

// RegisterService registers all handlers of svc
func (s *TCSServer) RegisterService(svc IService) {
	for op, h := range svc.Handlers() {
		s.Handle(op, h)
	}
}

// Start binds the transport and, if configured, the metrics endpoint. It does not block.
func (s *TCSServer) Start() error {
	s.transport.RegisterHandler(s.handle)

	if err := s.transport.Listen(s.config); err != nil {
		return err
	}

	if s.config.MetricsEndpoint != "" {
		s.startMetrics()
	}
	return nil
}

// Serve starts the server and blocks until it is stopped
func (s *TCSServer) Serve() error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.transport.Wait()
}

// Addr returns the address the transport is bound to
func (s *TCSServer) Addr() net.Addr {
	return s.transport.Addr()
}

// Stop closes all connections and the metrics endpoint
func (s *TCSServer) Stop() error {
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metrics.Shutdown(ctx); err != nil {
			Logger.Warningf("Failed to stop metrics endpoint: %v", err)
		}
	}
	return s.transport.Stop()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handle is the transport.ServerHandleFunc of the server
func (s *TCSServer) handle(req *serializer.Buffer, resp *serializer.Buffer) {
	op := req.Opcode()

	h, ok := s.handlers.Load(op)
	if !ok {
		Logger.Warningf("No handler for %s", op)
		resp.ResetResponse(0, common.TCSNotImplemented)
		s.count(op, common.TCSNotImplemented)
		return
	}

	r := serializer.NewReader(req)
	out, code := h(r)
	if code == common.ResultSuccess && r.Err() != nil {
		Logger.Warningf("Malformed %s request: %v", op, r.Err())
		code = common.TCSBadParameter
	}
	s.count(op, code)

	if code != common.ResultSuccess {
		resp.ResetResponse(0, code)
		return
	}

	resp.ResetResponse(len(out), common.ResultSuccess)
	if err := resp.AppendAll(out...); err != nil {
		Logger.Errorf("Failed to encode %s reply: %v", op, err)
		resp.ResetResponse(0, common.TCSInternalError)
	}
}

func (s *TCSServer) count(op common.Opcode, code common.ResultCode) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`tcs_server_commands_total{op=%q,code="%#x"}`, op, uint32(code))).Inc()
}

// startMetrics serves prometheus metrics on the configured endpoint
func (s *TCSServer) startMetrics() {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	s.metrics = &http.Server{Addr: s.config.MetricsEndpoint, Handler: mux}

	go func() {
		Logger.Infof("Serving metrics on %s/metrics", s.config.MetricsEndpoint)
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("Metrics endpoint failed: %v", err)
		}
	}()
}
