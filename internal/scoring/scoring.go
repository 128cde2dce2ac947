// Package scoring hands one accepted frame to the expression scoring service.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/puppysense/internal/logger"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// UploadPath is appended to the service base URL.
const UploadPath = "/api/upload"

const maxResponseBytes = 1 << 20

type Config struct {
	URL     string
	Rate    float64 // requests per second, <= 0 disables limiting
	Retries int
	Timeout time.Duration
}

// Upload is the payload for one frame.
type Upload struct {
	Image       []byte
	ContentType string
	Confidence  float64
	Timestamp   float64
}

// Entry is one expression and its share of the breakdown.
type Entry struct {
	Label string
	Value float64
}

// Result is the service's percentage breakdown per expression.
type Result struct {
	Breakdown map[string]float64 `json:"breakdown"`
}

// Sorted returns the breakdown ordered by value, highest first. Ties sort by label.
func (r Result) Sorted() []Entry {
	out := make([]Entry, 0, len(r.Breakdown))
	for k, v := range r.Breakdown {
		out = append(out, Entry{Label: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Label < out[j].Label
	})
	return out
}

type Client struct {
	endpoint string
	http     *retryablehttp.Client
	limiter  *rate.Limiter
	log      *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("scoring URL is empty")
	}
	log = logger.OrNop(log)

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = logger.NewLeveled(log)
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	c := &Client{
		endpoint: strings.TrimRight(cfg.URL, "/") + UploadPath,
		http:     client,
		log:      log,
	}
	if cfg.Rate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	return c, nil
}

// Submit posts the frame as multipart form data and decodes the breakdown.
func (c *Client) Submit(ctx context.Context, up Upload) (Result, error) {
	if len(up.Image) == 0 {
		return Result{}, errors.New("frame has no image data")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, errors.Wrap(err, "waiting for scoring rate limit")
		}
	}

	body, contentType, err := encodeForm(up)
	if err != nil {
		return Result{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, errors.Wrapf(err, "POST %s", c.endpoint)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, errors.Wrap(err, "reading scoring response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, errors.Newf("POST %s: %s: %s", c.endpoint, resp.Status, strings.TrimSpace(string(data)))
	}

	res, err := decodeResult(data)
	if err != nil {
		return Result{}, err
	}
	c.log.Debug("frame scored",
		zap.Float64("timestamp", up.Timestamp),
		zap.Int("labels", len(res.Breakdown)),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

func encodeForm(up Upload) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	ct := up.ContentType
	if ct == "" {
		ct = "image/jpeg"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="frame.jpg"`)
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(up.Image); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("confidence", strconv.FormatFloat(up.Confidence, 'f', -1, 64)); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("timestamp", strconv.FormatFloat(up.Timestamp, 'f', -1, 64)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// decodeResult accepts {"breakdown": {...}} or a bare label→percent object.
func decodeResult(data []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err == nil && res.Breakdown != nil {
		return res, nil
	}
	var flat map[string]float64
	if err := json.Unmarshal(data, &flat); err != nil {
		return Result{}, errors.Wrap(err, "decoding scoring response")
	}
	return Result{Breakdown: flat}, nil
}
