package handler

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-zoox/headers"
	"github.com/labstack/echo/v4"

	"gemini-forwarder/internal/model"
	"gemini-forwarder/internal/service"
)

// apiKeyPattern matches key query parameter values in URLs embedded in error messages.
var apiKeyPattern = regexp.MustCompile(`(?i)([?&](?:api_?)?key=)[^&\s"]+`)

// ForwardPrefix is the path prefix relayed upstream.
const ForwardPrefix = "/v1beta/"

// ForwardErrorMessage is the fixed error label returned when the upstream call fails.
const ForwardErrorMessage = "Forwarding failed"

// ForwardError is the JSON envelope returned when the upstream call fails.
type ForwardError struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// ForwardHandler relays /v1beta/ requests to the upstream API.
type ForwardHandler struct {
	service *service.ForwardService
	logger  *slog.Logger
}

// NewForwardHandler creates a ForwardHandler.
func NewForwardHandler(svc *service.ForwardService, logger *slog.Logger) *ForwardHandler {
	return &ForwardHandler{
		service: svc,
		logger:  logger.With("component", "forward_handler"),
	}
}

// Handle forwards the request upstream and streams the response back unchanged.
func (h *ForwardHandler) Handle(c echo.Context) error {
	req := c.Request()
	if !strings.HasPrefix(req.URL.Path, ForwardPrefix) {
		return NotFound(c)
	}

	fr := &model.ForwardRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(fr)
	if err != nil {
		return h.forwardFailed(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace anything middleware supplemented for the same key.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is written a mid-stream failure (client disconnect,
	// upstream reset) can only truncate the body, so it is logged and dropped.
	if err := copyBody(c.Response(), resp.Body, shouldFlush(resp)); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
		)
		return nil
	}

	relayTrailers(dst, resp)
	return nil
}

// relayTrailers announces upstream trailers through http.TrailerPrefix keys,
// which net/http sends after the body. resp.Body must already be at EOF.
func relayTrailers(dst http.Header, resp *model.ForwardResponse) {
	if resp.Trailer == nil {
		return
	}
	for key, vals := range resp.Trailer() {
		for _, v := range vals {
			dst.Add(http.TrailerPrefix+key, v)
		}
	}
}

func (h *ForwardHandler) forwardFailed(c echo.Context, err error) error {
	details := sanitizeError(err)
	h.logger.Error("forward error",
		"err", details,
		"path", c.Request().URL.Path,
	)

	return c.JSON(http.StatusInternalServerError, ForwardError{
		Error:   ForwardErrorMessage,
		Details: details,
	})
}

// shouldFlush reports whether the body must reach the client chunk by chunk:
// server-sent events and responses of unknown length.
func shouldFlush(resp *model.ForwardResponse) bool {
	if ct, _, err := mime.ParseMediaType(resp.Header.Get(headers.ContentType)); err == nil && ct == "text/event-stream" {
		return true
	}
	return resp.ContentLength < 0
}

// copyBody streams src to dst, flushing after every write when flush is set.
func copyBody(dst *echo.Response, src io.Reader, flush bool) error {
	if !flush {
		_, err := io.Copy(dst, src)
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			dst.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// sanitizeError redacts API keys from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return apiKeyPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
