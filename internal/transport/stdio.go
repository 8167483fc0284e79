package transport

import (
	"bufio"
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// stdioMaxLine bounds a single stdin request line.
const stdioMaxLine = 1 << 20

// StdioLoop reads line-delimited JSON-RPC requests from r and writes
// responses to w in receipt order. Requests are handled sequentially,
// which is what makes the ordering guarantee hold. EOF triggers onEOF
// (the graceful-shutdown hook) and returns.
type StdioLoop struct {
	endpoint *Endpoint
	logger   *zap.Logger
	onEOF    func()

	writeMu sync.Mutex
}

// NewStdioLoop creates the stdio transport.
func NewStdioLoop(endpoint *Endpoint, logger *zap.Logger, onEOF func()) *StdioLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioLoop{endpoint: endpoint, logger: logger, onEOF: onEOF}
}

// Run blocks until EOF or context cancellation.
func (l *StdioLoop) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), stdioMaxLine)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// stdio is local invocation: pre-authenticated.
		resp := l.endpoint.HandleRaw(ctx, line, "local")
		if err := l.write(w, resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		l.logger.Warn("stdin read failed", zap.Error(err))
	}
	if l.onEOF != nil {
		l.onEOF()
	}
	return nil
}

func (l *StdioLoop) write(w io.Writer, resp []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := w.Write(resp); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n"))
	return err
}
