package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ikido/herdctl/internal/common/logger"
	"go.uber.org/zap"
)

// toolBridgeHostGateway is the host-gateway name Docker resolves inside a
// sibling container when the "host.docker.internal:host-gateway" extra host
// mapping is present, regardless of platform.
const toolBridgeHostGateway = "host.docker.internal"

const bridgeShutdownTimeout = 5 * time.Second

// ToolBridge exposes InjectedToolServers over HTTP so an agent process (a
// sibling container, or the in-process runtime's CLI subprocess) can invoke
// them, since neither can call back into the host process's Go function
// values directly (§4.5). One bridge is started per job that injects tool
// servers and torn down when that job's sequence is closed.
type ToolBridge struct {
	log     *logger.Logger
	servers []ToolServer
	ln      net.Listener
	srv     *http.Server
}

// NewToolBridge returns a bridge for servers. It does not start listening
// until Start is called.
func NewToolBridge(servers []ToolServer, log *logger.Logger) *ToolBridge {
	return &ToolBridge{
		servers: servers,
		log:     log.WithFields(zap.String("component", "tool_bridge")),
	}
}

type toolInvokeRequest struct {
	Input map[string]any `json:"input"`
}

type toolInvokeResponse struct {
	Result  string `json:"result"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Start binds an ephemeral port on every interface — a sibling container
// reaches it via the host-gateway address, never via localhost — and begins
// serving in the background. The returned port, combined with
// toolBridgeHostGateway, is what HostURL reports.
func (b *ToolBridge) Start() (port int, err error) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return 0, fmt.Errorf("tool bridge: listen: %w", err)
	}
	b.ln = ln

	r := chi.NewRouter()
	for _, server := range b.servers {
		for _, tool := range server.Tools {
			path := "/" + server.Name + "/" + tool.Name
			r.Post(path, b.invokeHandler(tool.Handler))
		}
	}
	b.srv = &http.Server{Handler: r}

	go func() {
		if serveErr := b.srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			b.log.Warn("tool bridge server stopped", zap.Error(serveErr))
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, nil
}

// HostURL returns the URL a sibling container should use to reach this
// bridge, given the port Start returned.
func HostURL(port int) string {
	return fmt.Sprintf("http://%s:%d", toolBridgeHostGateway, port)
}

// LocalHostURL returns the URL an in-process (same-host) runtime invocation
// should use to reach this bridge, given the port Start returned. Unlike
// HostURL, this never crosses a container network boundary.
func LocalHostURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func (b *ToolBridge) invokeHandler(handler ToolHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toolInvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed tool invocation body", http.StatusBadRequest)
			return
		}

		result, success, err := handler(r.Context(), req.Input)
		resp := toolInvokeResponse{Result: result, Success: success}
		if err != nil {
			resp.Error = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Close shuts the bridge's HTTP server down, releasing its listener.
func (b *ToolBridge) Close() error {
	if b.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), bridgeShutdownTimeout)
	defer cancel()
	return b.srv.Shutdown(ctx)
}
