package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/wudi/edgegate/internal/config"
)

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = config.TransportConfig{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	DialTimeout:         30 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
	FlushInterval:       100 * time.Millisecond,
}

// MergeTransportConfig applies the non-zero values of overlay onto base.
func MergeTransportConfig(base, overlay config.TransportConfig) config.TransportConfig {
	if overlay.MaxIdleConns > 0 {
		base.MaxIdleConns = overlay.MaxIdleConns
	}
	if overlay.MaxIdleConnsPerHost > 0 {
		base.MaxIdleConnsPerHost = overlay.MaxIdleConnsPerHost
	}
	if overlay.MaxConnsPerHost > 0 {
		base.MaxConnsPerHost = overlay.MaxConnsPerHost
	}
	if overlay.IdleConnTimeout > 0 {
		base.IdleConnTimeout = overlay.IdleConnTimeout
	}
	if overlay.DialTimeout > 0 {
		base.DialTimeout = overlay.DialTimeout
	}
	if overlay.TLSHandshakeTimeout > 0 {
		base.TLSHandshakeTimeout = overlay.TLSHandshakeTimeout
	}
	if overlay.ResponseHeaderTimeout > 0 {
		base.ResponseHeaderTimeout = overlay.ResponseHeaderTimeout
	}
	if overlay.FlushInterval != 0 {
		base.FlushInterval = overlay.FlushInterval
	}
	if overlay.InsecureSkipVerify {
		base.InsecureSkipVerify = true
	}
	return base
}

// NewTransport creates the pooled upstream transport shared by all routes.
func NewTransport(cfg config.TransportConfig) *http.Transport {
	cfg = MergeTransportConfig(DefaultTransportConfig, cfg)

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		ForceAttemptHTTP2:     true,
	}
}
