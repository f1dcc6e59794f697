package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
const (
	AttrRegistrationID = "kayan.registration.id"
	AttrSceneStr       = "kayan.qrcode.scene"
	AttrAccountID      = "kayan.account.id"
	AttrClientID       = "kayan.client.id"
)

// SpanOptions provides configuration for span creation.
type SpanOptions struct {
	RegistrationID string
	SceneStr       string
	AccountID      string
	ClientID       string
}

// StartSpan starts a new span with common Kayan attributes.
func (p *Provider) StartSpan(ctx context.Context, name string, opts SpanOptions) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{}

	if opts.RegistrationID != "" {
		attrs = append(attrs, attribute.String(AttrRegistrationID, opts.RegistrationID))
	}
	if opts.SceneStr != "" {
		attrs = append(attrs, attribute.String(AttrSceneStr, opts.SceneStr))
	}
	if opts.AccountID != "" {
		attrs = append(attrs, attribute.String(AttrAccountID, opts.AccountID))
	}
	if opts.ClientID != "" {
		attrs = append(attrs, attribute.String(AttrClientID, opts.ClientID))
	}

	return p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// SpanScan starts a span for processing one QR scan event.
func (p *Provider) SpanScan(ctx context.Context, scene, clientID string) (context.Context, trace.Span) {
	return p.StartSpan(ctx, "kayan.qrcode.scan", SpanOptions{SceneStr: scene, ClientID: clientID})
}

// SpanCallback starts a span for an authorization-code callback.
func (p *Provider) SpanCallback(ctx context.Context, registrationID string) (context.Context, trace.Span) {
	return p.StartSpan(ctx, "kayan.oauth2.callback", SpanOptions{RegistrationID: registrationID})
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
