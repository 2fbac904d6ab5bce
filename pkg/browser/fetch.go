package browser

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/publicsuffix"
)

// HTTPFetcher issues Request values over net/http with a persistent cookie
// jar. Drivers without a built-in request API embed it.
type HTTPFetcher struct {
	Jar http.CookieJar
}

// NewHTTPFetcher returns a fetcher with a public-suffix-aware cookie jar.
func NewHTTPFetcher() *HTTPFetcher {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &HTTPFetcher{Jar: jar}
}

// Fetch performs req, retrying connection-level failures up to
// req.MaxRetries times with exponential backoff.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	client := f.client(req)

	var resp *Response
	op := func() error {
		httpReq, err := buildRequest(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		resp = &Response{
			URL:     r.Request.URL.String(),
			Status:  r.StatusCode,
			Headers: flattenHeaders(r.Header),
			Body:    string(body),
		}
		return nil
	}

	var b backoff.BackOff = backoff.NewExponentialBackOff()
	b = backoff.WithMaxRetries(b, uint64(max(req.MaxRetries, 0)))
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("http request %s %s: %w", req.Method, req.URL, err)
	}
	if req.FailOnStatusCode && (resp.Status < 200 || resp.Status >= 400) {
		return resp, fmt.Errorf("http request %s %s: status %d", req.Method, req.URL, resp.Status)
	}
	return resp, nil
}

func (f *HTTPFetcher) client(req Request) *http.Client {
	c := &http.Client{Jar: f.Jar}
	if req.IgnoreHTTPSErrors {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		c.Transport = tr
	}
	if req.MaxRedirects >= 0 {
		limit := req.MaxRedirects
		c.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) > limit {
				return http.ErrUseLastResponse
			}
			return nil
		}
	}
	return c
}

// SetCookies adds cookies to the jar for rawURL.
func (f *HTTPFetcher) SetCookies(rawURL string, cookies []*http.Cookie) {
	u, err := url.Parse(rawURL)
	if err != nil || f.Jar == nil {
		return
	}
	f.Jar.SetCookies(u, cookies)
}

func buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("url %q must be absolute", req.URL)
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, v := range req.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		body, contentType = bytes.NewReader(data), "application/json"
	case len(req.Form) > 0:
		form := url.Values{}
		for k, v := range req.Form {
			form.Set(k, v)
		}
		body, contentType = strings.NewReader(form.Encode()), "application/x-www-form-urlencoded"
	case len(req.Multipart) > 0:
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		keys := make([]string, 0, len(req.Multipart))
		for k := range req.Multipart {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := mw.WriteField(k, req.Multipart[k]); err != nil {
				return nil, fmt.Errorf("encode multipart: %w", err)
			}
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("encode multipart: %w", err)
		}
		body, contentType = &buf, mw.FormDataContentType()
	case req.Body != "":
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// flattenHeaders lower-cases names and joins repeated values with ", ".
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}

// IsTimeout reports whether err stems from a deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
