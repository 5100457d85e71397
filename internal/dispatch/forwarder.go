package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// AgentPath is appended to the gateway base URL.
	AgentPath = "/hooks/agent"

	DefaultConnectTimeout = 5 * time.Second
	DefaultForwardTimeout = 20 * time.Second

	maxDrainBytes = 64 * 1024
)

// Headers set on every forwarded request.
const (
	HeaderSource    = "X-Webhook-Source"
	HeaderEventType = "X-Webhook-Event-Type"
	HeaderDelivery  = "X-Webhook-Delivery"
)

// ForwarderConfig configures HTTPForwarder.
type ForwarderConfig struct {
	GatewayURL     string
	Token          string
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// HTTPForwarder posts sanitized envelopes to the gateway.
type HTTPForwarder struct {
	endpoint *url.URL
	token    string
	client   *http.Client
}

func NewHTTPForwarder(cfg ForwarderConfig) (*HTTPForwarder, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.GatewayURL))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("gateway url %q: scheme must be http or https", cfg.GatewayURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("gateway url %q: host is empty", cfg.GatewayURL)
	}
	endpoint := *base
	endpoint.Path = strings.TrimRight(base.Path, "/") + AgentPath

	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = connect

	return &HTTPForwarder{
		endpoint: &endpoint,
		token:    cfg.Token,
		client:   &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

// Endpoint is the URL requests are posted to, without the source query.
func (f *HTTPForwarder) Endpoint() string { return f.endpoint.String() }

func (f *HTTPForwarder) Forward(ctx context.Context, req ForwardRequest) error {
	u := *f.endpoint
	q := u.Query()
	q.Set("source", req.Source)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(req.Body))
	if err != nil {
		return &TransientForwardError{Err: fmt.Errorf("build request: %w", err)}
	}
	for name, value := range req.Headers {
		if value != "" {
			httpReq.Header.Set(name, value)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderSource, req.Source)
	httpReq.Header.Set(HeaderEventType, req.EventType)
	if req.DeliveryID != "" {
		httpReq.Header.Set(HeaderDelivery, req.DeliveryID)
	}
	if f.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return &TransientForwardError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	return classifyStatus(resp.StatusCode)
}
