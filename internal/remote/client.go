package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/experian_v2/internal/model"
)

const maxLoggedBody = 2048

// Stats counts what the client sent during a run.
type Stats struct {
	Requests    map[string]int `yaml:"requests"`
	RateLimited map[string]int `yaml:"rate_limited"`
	NotReady    int            `yaml:"not_ready"`
}

// Client executes the upload → check → delivery_test → reserve operations for one Task.
type Client struct {
	task             model.Task
	baseURL          string
	httpClient       *http.Client
	logger           *zap.Logger
	classifier       Classifier
	ops              map[Op]Operation
	interval         time.Duration
	maxCheckAttempts int
	sleep            func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats Stats
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL replaces https://{host}/{site_id}/.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSleeper replaces the wait between retries.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithOperations replaces the operation table.
func WithOperations(ops map[Op]Operation) Option {
	return func(c *Client) { c.ops = ops }
}

func NewClient(task model.Task, opts ...Option) (*Client, error) {
	p := task.Protocol
	c := &Client{
		task:             task,
		baseURL:          fmt.Sprintf("https://%s/%s/", task.Host, url.PathEscape(task.SiteID)),
		httpClient:       &http.Client{Timeout: time.Duration(p.RequestTimeoutSec) * time.Second},
		logger:           zap.NewNop(),
		classifier:       NewClassifier(p.RateLimitMarker, p.NotReadyMarkers),
		ops:              DefaultOperations(),
		interval:         time.Duration(p.RetryIntervalSec) * time.Second,
		maxCheckAttempts: p.MaxCheckAttempts,
		sleep:            sleepCtx,
		stats: Stats{
			Requests:    map[string]int{},
			RateLimited: map[string]int{},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	ops, err := ApplyFieldKeys(c.ops, p.Fields)
	if err != nil {
		return nil, err
	}
	c.ops = ops
	for _, op := range []Op{OpUpload, OpCheck, OpDeliveryTest, OpReserve} {
		if _, ok := c.ops[op]; !ok {
			return nil, fmt.Errorf("operation table has no %q entry", op)
		}
	}
	return c, nil
}

// Stats returns a snapshot of the request counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Stats{
		Requests:    make(map[string]int, len(c.stats.Requests)),
		RateLimited: make(map[string]int, len(c.stats.RateLimited)),
		NotReady:    c.stats.NotReady,
	}
	for k, v := range c.stats.Requests {
		out.Requests[k] = v
	}
	for k, v := range c.stats.RateLimited {
		out.RateLimited[k] = v
	}
	return out
}

// Upload pushes the merged CSV as the task's list.
func (c *Client) Upload(ctx context.Context, path string) error {
	c.logger.Info("uploading list", zap.String("csv", path), zap.Int64("csvfile_id", c.task.CSVFileID))
	_, err := c.call(ctx, OpUpload, path)
	return err
}

// Check polls the uploaded list until the remote side stops reporting it as processing.
func (c *Client) Check(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		outcome, err := c.call(ctx, OpCheck, "")
		if err != nil {
			return err
		}
		if outcome == Success {
			c.logger.Info("list ready", zap.Int64("csvfile_id", c.task.CSVFileID), zap.Int("checks", attempt))
			return nil
		}

		c.mu.Lock()
		c.stats.NotReady++
		c.mu.Unlock()
		if c.maxCheckAttempts > 0 && attempt >= c.maxCheckAttempts {
			return fmt.Errorf("%s: %w (%d)", OpCheck, ErrCheckAttemptsExceeded, attempt)
		}
		c.logger.Info("list still processing, checking again",
			zap.Int("attempt", attempt),
			zap.Duration("wait", c.interval))
		if err := c.sleep(ctx, c.interval); err != nil {
			return err
		}
	}
}

// DeliveryTest sends the draft to the configured test address.
func (c *Client) DeliveryTest(ctx context.Context) error {
	if !c.task.HasDeliveryTest() {
		return errors.New("delivery_test: test_address is not configured")
	}
	c.logger.Info("sending test delivery", zap.String("test_address", c.task.TestAddress))
	_, err := c.call(ctx, OpDeliveryTest, "")
	return err
}

// Reserve schedules the real send of the draft to the list at the book time.
func (c *Client) Reserve(ctx context.Context) error {
	c.logger.Info("reserving delivery",
		zap.Int64("draft_id", c.task.DraftID),
		zap.Int64("csvfile_id", c.task.CSVFileID),
		zap.Stringer("book_time", c.task.Book))
	_, err := c.call(ctx, OpReserve, "")
	return err
}

// call sends one operation, re-sending the identical request while the API reports
// rate limiting. It returns Success or NotReadyYet; anything else is an error.
func (c *Client) call(ctx context.Context, op Op, file string) (Outcome, error) {
	spec := c.ops[op]
	payload, contentType, err := c.encode(spec, file)
	if err != nil {
		return Failed, fmt.Errorf("%s: %w", op, err)
	}
	endpoint := c.baseURL + spec.Path

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Failed, err
		}
		c.count(func(s *Stats) { s.Requests[string(op)]++ })
		c.logger.Debug("request", zap.String("op", string(op)), zap.String("url", endpoint), zap.Int("attempt", attempt))

		status, raw, err := c.post(ctx, endpoint, contentType, payload)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Failed, ctxErr
			}
			return Failed, fmt.Errorf("%s: %w", op, err)
		}
		text := c.task.Encoding.Decode(raw)
		outcome := c.classifier.Classify(status, text, spec.Polling)
		c.logger.Info("response",
			zap.String("op", string(op)),
			zap.Int("status", status),
			zap.Stringer("outcome", outcome),
			zap.String("body", truncate(text, maxLoggedBody)))

		switch outcome {
		case RateLimited:
			c.count(func(s *Stats) { s.RateLimited[string(op)]++ })
			c.logger.Warn("request too frequent, retrying",
				zap.String("op", string(op)),
				zap.Int("status", status),
				zap.Duration("wait", c.interval))
			if err := c.sleep(ctx, c.interval); err != nil {
				return Failed, err
			}
		case Failed:
			return Failed, &RemoteError{Op: op, StatusCode: status, Body: string(raw), Text: text}
		default:
			return outcome, nil
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint, contentType string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// encode builds the request body once so that every retry sends the same bytes.
func (c *Client) encode(spec Operation, file string) ([]byte, string, error) {
	attrs := c.attributes()

	if spec.FileField == "" {
		form := url.Values{}
		for _, f := range spec.Fields {
			if v := attrs[f.Attr]; v != "" {
				form.Set(f.Key, v)
			}
		}
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range spec.Fields {
		v := attrs[f.Attr]
		if v == "" {
			continue
		}
		if err := mw.WriteField(f.Key, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f.Key, err)
		}
	}
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", file, err)
	}
	part, err := mw.CreateFormFile(spec.FileField, filepath.Base(file))
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// attributes resolves every attribute from the task at request time.
func (c *Client) attributes() map[Attribute]string {
	t := c.task
	attrs := map[Attribute]string{
		AttrLoginID:           t.LoginID,
		AttrPassword:          t.Password,
		AttrCSVFileID:         strconv.FormatInt(t.CSVFileID, 10),
		AttrDraftID:           strconv.FormatInt(t.DraftID, 10),
		AttrTitle:             c.text("title", t.Title()),
		AttrFromAddress:       t.FromAddress,
		AttrTestAddress:       t.TestAddress,
		AttrTestSubjectPrefix: c.text("test_subject_prefix", t.TestSubjectPrefix),
		AttrBookYear:          strconv.Itoa(t.Book.Year),
		AttrBookMonth:         strconv.Itoa(t.Book.Month),
		AttrBookDay:           strconv.Itoa(t.Book.Day),
		AttrBookHour:          strconv.Itoa(t.Book.Hour),
		AttrBookMin:           strconv.Itoa(t.Book.Minute),
	}
	if t.PostUseUTF8 {
		attrs[AttrPostUseUTF8] = "true"
	}
	if t.Encoding.IsUTF8() {
		attrs[AttrListUseUTF8] = "utf-8"
	}
	return attrs
}

// text converts free text to the list encoding unless parameters are posted as UTF-8.
func (c *Client) text(name, s string) string {
	if s == "" || c.task.PostUseUTF8 || c.task.Encoding.IsUTF8() {
		return s
	}
	out, replaced := c.task.Encoding.EncodeString(s)
	if replaced > 0 {
		c.logger.Warn("characters not representable in target encoding were replaced",
			zap.String("field", name),
			zap.String("encoding", c.task.Encoding.Name()),
			zap.Int("replaced", replaced))
	}
	return out
}

func (c *Client) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
