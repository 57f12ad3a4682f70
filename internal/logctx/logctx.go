// Package logctx enriches slog records with request, connection, and
// publish attributes carried in the context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps an slog.Handler and attaches context-carried groups to
// every record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnectionID),
		))
	}

	if pd, ok := ctx.Value(publishDataKey{}).(*PublishData); ok {
		r.AddAttrs(slog.Group("publish",
			slog.String("session_id", pd.SessionID),
			slog.String("user_id", pd.UserID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData identifies one inbound gateway request.
type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

// ConnData identifies the connection an operation acts on.
type ConnData struct {
	ConnectionID string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type publishDataKey struct{}

// PublishData identifies the target of a fan-out.
type PublishData struct {
	SessionID string
	UserID    string
}

func WithPublishData(ctx context.Context, data *PublishData) context.Context {
	return context.WithValue(ctx, publishDataKey{}, data)
}
