package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"reply-correlator/internal/config"
)

// Transfer modes understood by the gateway's media endpoint. The document
// mode re-downloads the attachment as a plain file and works for uploads the
// streaming mode reports as empty.
const (
	ModeStream   = "stream"
	ModeDocument = "document"
)

// ErrEmptyMedia is returned when every transfer mode yielded zero bytes.
var ErrEmptyMedia = errors.New("media: empty download")

// Download is an open media body. Callers must close Body.
type Download struct {
	Body        io.ReadCloser
	ContentType string
	Mode        string
}

// Fetcher retrieves the bytes attached to an inbound message.
type Fetcher interface {
	Fetch(ctx context.Context, messageID string) (*Download, error)
}

// Gateway is the part of the channel client media transfers reuse.
type Gateway interface {
	BaseURL() string
	Authorize(req *http.Request)
}

// HTTPFetcher downloads media through the gateway, falling back from the
// stream mode to the document mode when the first yields no bytes.
type HTTPFetcher struct {
	gateway    Gateway
	httpClient *http.Client
	modes      []string
}

func NewHTTPFetcher(gw Gateway, cfg config.Config) *HTTPFetcher {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPFetcher{
		gateway:    gw,
		httpClient: &http.Client{Timeout: timeout},
		modes:      []string{ModeStream, ModeDocument},
	}
}

// Fetch opens the first transfer mode that returns a non-empty body.
func (f *HTTPFetcher) Fetch(ctx context.Context, messageID string) (*Download, error) {
	var lastErr error
	for _, mode := range f.modes {
		d, err := f.open(ctx, messageID, mode)
		if err == nil {
			return d, nil
		}
		lastErr = err
		if !errors.Is(err, ErrEmptyMedia) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *HTTPFetcher) open(ctx context.Context, messageID, mode string) (*Download, error) {
	u := fmt.Sprintf("%s/media/%s?mode=%s", f.gateway.BaseURL(), url.PathEscape(messageID), url.QueryEscape(mode))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	f.gateway.Authorize(req)
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	br := bufio.NewReader(resp.Body)
	if _, err := br.Peek(1); err != nil {
		resp.Body.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s mode: %w", mode, ErrEmptyMedia)
		}
		return nil, fmt.Errorf("read media: %w", err)
	}
	return &Download{
		Body:        readCloser{Reader: br, Closer: resp.Body},
		ContentType: resp.Header.Get("Content-Type"),
		Mode:        mode,
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
