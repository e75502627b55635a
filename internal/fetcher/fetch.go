package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/resilience"
)

// DefaultMaxBytes caps a downloaded lead file.
const DefaultMaxBytes = 50 << 20

// Options configures Fetcher.
type Options struct {
	Timeout  time.Duration
	MaxBytes int64
	Retry    resilience.RetryConfig
}

// Fetcher downloads lead files from local paths, http(s) and ftp URLs.
type Fetcher struct {
	opts   Options
	client *http.Client
	ftp    *FTPFetcher
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("fetcher", "download")
	}
	return &Fetcher{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		ftp:    NewFTPFetcher(FTPOptions{Timeout: opts.Timeout}),
	}
}

// Fetch returns the contents of source and the file name to detect its
// format from.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, string, error) {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 { // "C:\..." parses as scheme "c"
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, "", eris.Wrapf(err, "fetcher: read %s", source)
		}
		return data, filepath.Base(source), nil
	}

	name := path.Base(u.Path)
	var data []byte
	switch u.Scheme {
	case "http", "https":
		data, err = resilience.DoVal(ctx, f.opts.Retry, func(ctx context.Context) ([]byte, error) {
			return f.httpGet(ctx, source)
		})
	case "ftp":
		data, err = resilience.DoVal(ctx, f.opts.Retry, func(ctx context.Context) ([]byte, error) {
			rc, err := f.ftp.Download(ctx, source)
			if err != nil {
				return nil, err
			}
			defer rc.Close() //nolint:errcheck
			return f.readAll(rc)
		})
	default:
		return nil, "", eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, "", err
	}
	zap.L().Info("fetcher: downloaded",
		zap.String("host", u.Host),
		zap.String("file", name),
		zap.Int("bytes", len(data)),
	)
	return data, name, nil
}

func (f *Fetcher) httpGet(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: build request")
	}
	req.Header.Set("User-Agent", "lead-dispatch/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: http get")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, resilience.NewProviderError("http", resp.StatusCode, eris.Errorf("fetcher: GET %s: %s", rawURL, resp.Status))
	}
	return f.readAll(resp.Body)
}

func (f *Fetcher) readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.opts.MaxBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read body")
	}
	if int64(len(data)) > f.opts.MaxBytes {
		return nil, resilience.NewValidationError("file", "exceeds size limit")
	}
	return data, nil
}
