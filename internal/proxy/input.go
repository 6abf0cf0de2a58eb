package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/lspguard/pkg/frame"
)

var errInputClosed = errors.New("proxy: server input closed")

// serverWriter is the server's stdin. Editor input and the exit
// notification share it, so every write holds the lock.
type serverWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (s *serverWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errInputClosed
	}
	return s.w.Write(p)
}

// closeWith writes payload as one frame and closes the input. Editor input
// arriving afterwards is dropped.
func (s *serverWriter) closeWith(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errInputClosed
	}
	s.closed = true

	werr := frame.Write(s.w, payload)
	cerr := s.w.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
}

// exitNotification is the LSP "exit" notification body.
func exitNotification() []byte {
	b, _ := json.Marshal(notification{JSONRPC: mcp.JSONRPC_VERSION, Method: "exit"})
	return b
}
