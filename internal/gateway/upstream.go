package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"dynode/internal/types"
	"dynode/internal/utils"
)

const contentTypeJSON = "application/json"

// UpstreamError is a transport failure talking to an upstream node: the connection failed, the
// timeout fired or the body could not be read. HTTP error statuses are not UpstreamErrors.
type UpstreamError struct {
	Host string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Host, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// upstreamResponse is a fully read upstream answer.
type upstreamResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// dispatch sends one request to target. The call is bounded by the configured request timeout and
// is not cancelled when the inbound client goes away, so a started upstream call can still fill
// the cache.
func (gw *Gateway) dispatch(
	ctx context.Context,
	d *types.Domain,
	target types.UpstreamURL,
	method, path string,
	body []byte,
	contentType string,
) (*upstreamResponse, error) {
	host := utils.HostOf(target.URL)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gw.config.RequestTimeout)
	defer cancel()

	targetURL, err := buildTargetURL(target.URL, path)
	if err != nil {
		return nil, &UpstreamError{Host: host, Err: err}
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return nil, &UpstreamError{Host: host, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if contentType == contentTypeJSON {
		req.Header.Set("Accept", contentTypeJSON)
	}

	resp, err := gw.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Host: host, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Host: host, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		gw.router.MarkRateLimited(d.Name, target.URL)
	}

	return &upstreamResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

// buildTargetURL joins base with the inbound path and query. A bare "/" keeps base's path as is;
// query parameters already present on base (API keys) are kept ahead of the inbound ones.
func buildTargetURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid upstream url: %w", err)
	}

	p, query, _ := strings.Cut(path, "?")
	if p != "" && p != "/" {
		escaped := strings.TrimSuffix(u.EscapedPath(), "/") + p
		unescaped, err := url.PathUnescape(escaped)
		if err != nil {
			return "", fmt.Errorf("invalid request path '%s': %w", p, err)
		}
		u.Path = unescaped
		u.RawPath = escaped
	}

	if query != "" {
		if u.RawQuery != "" {
			u.RawQuery += "&" + query
		} else {
			u.RawQuery = query
		}
	}
	return u.String(), nil
}
