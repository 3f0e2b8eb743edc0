package stdio

import (
	"io"
	"log/slog"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithCredentialSource overrides where peer credentials come from.
func WithCredentialSource(cs CredentialSource) Option {
	return func(h *Handler) {
		if cs != nil {
			h.creds = cs
		}
	}
}

// WithLocalPort sets the port the transport reports to network policy.
func WithLocalPort(port int) Option {
	return func(h *Handler) {
		if port > 0 {
			h.port = port
		}
	}
}

// WithMaxLineBytes bounds the size of a single inbound message.
func WithMaxLineBytes(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxLineBytes = n
		}
	}
}
