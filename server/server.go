package server

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"

	"github.com/edb-debugger/edb/engine"
)

// Server hosts one finished debug session over HTTP ("/") and WebSocket
// ("/ws"). The underlying rpc.Server multiplexes handlers across goroutines
// per connection, so concurrent TUI clients need no locking here: the
// engine.Context is immutable once finalize has run.
type Server struct {
	rpcSrv   *rpc.Server
	httpSrv  *http.Server
	listener net.Listener
}

// Serve registers the edb namespace for ectx and starts listening on the
// given port (an ephemeral port if port is 0). It returns once the listener
// is bound; the accept loop runs on its own goroutine.
func Serve(ectx *engine.Context, port int) (*Server, error) {
	rpcSrv := rpc.NewServer()
	if err := rpcSrv.RegisterName("edb", NewEdbService(ectx)); err != nil {
		return nil, fmt.Errorf("server: register edb service: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", rpcSrv)
	mux.Handle("/ws", rpcSrv.WebsocketHandler([]string{"*"}))

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}

	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if serr := httpSrv.Serve(listener); serr != nil && serr != http.ErrServerClosed {
			log.Error("server: serve loop ended", "err", serr)
		}
	}()

	log.Info("edb server listening", "addr", listener.Addr().String(), "snapshots", ectx.SnapshotCount())
	return &Server{rpcSrv: rpcSrv, httpSrv: httpSrv, listener: listener}, nil
}

// Addr returns the bound listen address, e.g. "127.0.0.1:8545".
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// WSEndpoint returns the WebSocket URL TUI clients connect to.
func (s *Server) WSEndpoint() string {
	return "ws://" + s.Addr() + "/ws"
}

// Close stops accepting connections and shuts the rpc server down.
func (s *Server) Close() error {
	s.rpcSrv.Stop()
	return s.httpSrv.Close()
}

// DialWS opens a raw WebSocket connection to an edb server's /ws endpoint.
// The CLI uses it as a liveness probe right after Serve, and TUI-side tooling
// can use the returned connection to exchange JSON-RPC frames directly.
func DialWS(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, nil
}
