// Package stdio is a single-connection transport that reads
// newline-delimited JSON-RPC messages from an io.Reader and writes
// responses to an io.Writer. By default it uses os.Stdin and os.Stdout.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"

	"github.com/mcplease/mcplease-go/security"
	"github.com/mcplease/mcplease-go/server"
)

const defaultMaxLineBytes = 1 << 20

// Handler is the stdio transport. It is transport-only: framing and
// credential presentation happen here, everything else is delegated to
// the server pipeline.
type Handler struct {
	r     io.Reader
	w     io.Writer
	log   *slog.Logger
	creds CredentialSource
	local netip.Addr
	port  int

	maxLineBytes int
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		r:            os.Stdin,
		w:            os.Stdout,
		log:          slog.Default(),
		creds:        EnvCredentials{},
		local:        netip.MustParseAddr("127.0.0.1"),
		port:         8000,
		maxLineBytes: defaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the read loop until EOF on the reader or context
// cancellation. It is safe to call at most once per Handler.
func (h *Handler) Serve(ctx context.Context, srv *server.Server) error {
	if ok, reason := srv.RegisterConnection(h.local); !ok {
		return fmt.Errorf("connection refused: %s", reason)
	}
	defer srv.ReleaseConnection(h.local)

	conn := &server.ConnState{
		RemoteAddr:  h.local,
		Port:        h.port,
		Scheme:      "stdio",
		Credentials: h.creds.Credentials(),
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), h.maxLineBytes)
		for sc.Scan() {
			line := make([]byte, len(sc.Bytes()))
			copy(line, sc.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	enc := json.NewEncoder(h.w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			resp := srv.HandleMessage(ctx, line, conn)
			if resp == nil {
				continue
			}
			if err := enc.Encode(resp); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
	}
}

// CredentialSource supplies the credentials presented for the stdio
// peer. Stdio carries no wire-level auth, so credentials come from the
// process environment or explicit configuration.
type CredentialSource interface {
	Credentials() *security.Credentials
}

// StaticCredentials presents a fixed credential pair.
type StaticCredentials struct {
	Creds *security.Credentials
}

func (s StaticCredentials) Credentials() *security.Credentials { return s.Creds }

// EnvCredentials reads the credential scheme and token from the
// MCPLEASE_AUTH_SCHEME and MCPLEASE_AUTH_TOKEN environment variables,
// returning nil (anonymous) when they are unset.
type EnvCredentials struct{}

func (EnvCredentials) Credentials() *security.Credentials {
	scheme := os.Getenv("MCPLEASE_AUTH_SCHEME")
	token := os.Getenv("MCPLEASE_AUTH_TOKEN")
	if scheme == "" || token == "" {
		return nil
	}
	return &security.Credentials{Scheme: scheme, Token: token}
}
