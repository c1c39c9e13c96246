// Package cloudauth decorates the upstream HTTP client with
// cloud-provider request signing for hosted channels: Bedrock-hosted
// models get AWS SigV4, Vertex-hosted models get a GCP OAuth2 bearer.
// Channels on plain provider endpoints pass through untouched and keep
// their static key headers.
package cloudauth

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	routex "github.com/dctx-team/routex/internal"
)

const gcpScope = "https://www.googleapis.com/auth/cloud-platform"

// Manager hands out per-channel HTTP clients, caching the signing
// transports so credentials resolve once per channel revision.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*http.Client
	log     *slog.Logger
}

// NewManager creates the signing client manager.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{clients: make(map[string]*http.Client), log: log}
}

// ClientFor returns the client to use for the channel. Hosted channels
// get a signing transport layered over base; anything unrecognized, or
// any credential failure, falls back to base.
func (m *Manager) ClientFor(ctx context.Context, ch *routex.Channel, base *http.Client) *http.Client {
	host := hostOf(ch.BaseURL)
	class := hostClassOf(host)
	if class == hostPlain {
		return base
	}

	key := ch.ID + "|" + ch.BaseURL

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[key]; ok {
		return c
	}

	rt, err := m.buildTransport(ctx, class, host, base.Transport)
	if err != nil {
		m.log.Warn("cloud auth unavailable, using base client",
			"channel", ch.Name, "host", host, "error", err)
		return base
	}

	c := &http.Client{Transport: rt, Timeout: base.Timeout}
	m.clients[key] = c
	return c
}

type hostClass int

const (
	hostPlain hostClass = iota
	hostAWS
	hostGCP
)

func hostClassOf(host string) hostClass {
	switch {
	case strings.HasSuffix(host, ".amazonaws.com"):
		return hostAWS
	case strings.HasSuffix(host, ".googleapis.com"):
		return hostGCP
	default:
		return hostPlain
	}
}

func (m *Manager) buildTransport(ctx context.Context, k hostClass, host string, base http.RoundTripper) (http.RoundTripper, error) {
	switch k {
	case hostAWS:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		region := cfg.Region
		if r := awsRegionFromHost(host); r != "" {
			region = r
		}
		return NewAWSSigV4Transport(base, cfg.Credentials, region, awsServiceFromHost(host)), nil
	case hostGCP:
		return NewGCPOAuthTransport(ctx, base, gcpScope)
	}
	return base, nil
}

func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// awsRegionFromHost extracts the region from hosts shaped like
// bedrock-runtime.us-east-1.amazonaws.com.
func awsRegionFromHost(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) >= 4 {
		return parts[len(parts)-3]
	}
	return ""
}

func awsServiceFromHost(host string) string {
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return "bedrock-runtime"
}
