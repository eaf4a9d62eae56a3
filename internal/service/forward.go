// Package service implements the core forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/go-zoox/headers"
	"golang.org/x/net/http/httpguts"

	"gemini-forwarder/internal/client"
	"gemini-forwarder/internal/config"
	"gemini-forwarder/internal/model"
)

// UserAgent identifies the forwarder to the upstream. It replaces any inbound value.
const UserAgent = "Gemini-Aggregator-Serverless/1.0"

// allowedUpstreamHosts restricts which hosts the forwarder will relay to.
var allowedUpstreamHosts = map[string]bool{
	"generativelanguage.googleapis.com": true,
}

// hopByHopHeaders describe a single transport hop and are never relayed.
var hopByHopHeaders = []string{
	headers.Connection,
	"Proxy-Connection", // non-standard but still sent by libcurl
	"Keep-Alive",
	headers.ProxyAuthenticate,
	headers.ProxyAuthorization,
	headers.TE,
	"Trailer",
	headers.TransferEncoding,
	headers.Upgrade,
}

// ForwardService turns inbound requests into upstream calls.
type ForwardService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	baseURL *url.URL
}

// NewForwardService creates a ForwardService bound to the configured upstream origin.
func NewForwardService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ForwardService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return newForwardService(c, u, logger), nil
}

// NewForwardServiceForTest creates a ForwardService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewForwardServiceForTest(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ForwardService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return newForwardService(c, u, logger), nil
}

func newForwardService(c *client.UpstreamClient, u *url.URL, logger *slog.Logger) *ForwardService {
	origin := &url.URL{Scheme: u.Scheme, Host: u.Host}
	return &ForwardService{
		client:  c,
		logger:  logger.With("component", "forward_service"),
		baseURL: origin,
	}
}

// Forward relays a ForwardRequest to the upstream and returns its response.
// The caller is responsible for closing the response body.
//
// Exactly one upstream call is made; failures are returned wrapped and never retried.
func (s *ForwardService) Forward(fr *model.ForwardRequest) (*model.ForwardResponse, error) {
	upstreamURL := s.BuildUpstreamURL(fr.Path, fr.RawPath, fr.RawQuery)
	header := s.outboundHeaders(fr.Header)

	s.logger.Debug("forwarding request",
		"method", fr.Method,
		"path", fr.Path,
	)

	resp, err := s.client.DoStream(fr.Ctx, fr.Method, upstreamURL, header, fr.Body, fr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	removeHopByHop(resp.Header)
	return resp, nil
}

// BuildUpstreamURL joins the upstream origin with the inbound path and query.
// The escaped path and the raw query are carried over byte for byte.
func (s *ForwardService) BuildUpstreamURL(path, rawPath, rawQuery string) string {
	u := *s.baseURL
	u.Path = path
	u.RawPath = rawPath
	u.RawQuery = rawQuery
	return u.String()
}

// outboundHeaders copies every end-to-end inbound header and stamps the User-Agent.
func (s *ForwardService) outboundHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	// Te: trailers survives stripping; upstream trailers are relayed to the client.
	keepTrailers := httpguts.HeaderValuesContainsToken(src.Values(headers.TE), "trailers")

	removeHopByHop(dst)

	if keepTrailers {
		dst.Set(headers.TE, "trailers")
	}
	dst.Set(headers.UserAgent, UserAgent)
	return dst
}

// removeHopByHop deletes hop-by-hop headers, including any listed in Connection.
func removeHopByHop(h http.Header) {
	for _, f := range h.Values(headers.Connection) {
		for sf := range strings.SplitSeq(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, key := range hopByHopHeaders {
		h.Del(key)
	}
}
