// Package gateway is the HTTP client for the safety backend's write API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/fieldsync/internal/queue"
)

const (
	defaultTimeout   = 15 * time.Second
	maxErrorBodySize = 64 << 10
)

// Client sends mutations and attachments to the backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every call. A timed out call is retryable.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit throttles outgoing calls to perSecond. Zero or less disables throttling.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for baseURL authenticating with token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Path returns the endpoint for a mutation kind.
func Path(kind queue.Kind, payload json.RawMessage) (string, error) {
	switch kind {
	case queue.KindCreateIssue:
		return "/issues", nil
	case queue.KindCreateInspection:
		return "/inspections", nil
	case queue.KindCreateTraining:
		return "/trainings", nil
	case queue.KindConfirmTraining:
		var p struct {
			TrainingID string `json:"training_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.TrainingID == "" {
			return "", errors.New("confirm_training payload requires training_id")
		}
		return "/trainings/" + url.PathEscape(p.TrainingID) + "/confirm", nil
	default:
		return "", fmt.Errorf("no endpoint for kind %q", kind)
	}
}

// Send delivers one mutation.
func (c *Client) Send(ctx context.Context, req Request) Outcome {
	path, err := Path(req.Kind, req.Payload)
	if err != nil {
		return Outcome{Class: ClassPermanent, Code: "invalid_mutation", Message: err.Error()}
	}

	body, err := requestBody(req.Payload, req.AttachmentIDs)
	if err != nil {
		return Outcome{Class: ClassPermanent, Code: "invalid_mutation", Message: err.Error()}
	}

	return c.do(ctx, path, req.IdempotencyKey, "application/json", body)
}

// Upload sends an attachment and returns the server file id in ServerID.
// Rejected files (too large, unsupported type, unprocessable) are permanent.
func (c *Client) Upload(ctx context.Context, idempotencyKey string, f File) Outcome {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	h.Set("Content-Type", f.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return Outcome{Class: ClassRetryable, Message: fmt.Sprintf("building upload: %v", err)}
	}
	if _, err := part.Write(f.Data); err != nil {
		return Outcome{Class: ClassRetryable, Message: fmt.Sprintf("building upload: %v", err)}
	}
	if f.Pages > 0 {
		if err := mw.WriteField("pages", strconv.Itoa(f.Pages)); err != nil {
			return Outcome{Class: ClassRetryable, Message: fmt.Sprintf("building upload: %v", err)}
		}
	}
	if err := mw.Close(); err != nil {
		return Outcome{Class: ClassRetryable, Message: fmt.Sprintf("building upload: %v", err)}
	}

	out := c.do(ctx, "/files", idempotencyKey, mw.FormDataContentType(), buf.Bytes())
	if out.Class == ClassSuccess && out.ServerID == "" {
		return Outcome{Class: ClassRetryable, Status: out.Status, Message: "upload response missing file id"}
	}
	switch out.Status {
	case http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		out.Class = ClassPermanent
	}
	return out
}

func (c *Client) do(ctx context.Context, path, idempotencyKey, contentType string, body []byte) Outcome {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Outcome{Class: ClassRetryable, Message: fmt.Sprintf("waiting for rate limiter: %v", err)}
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: ClassPermanent, Message: fmt.Sprintf("creating request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{Class: ClassRetryable, Code: "timeout", Message: fmt.Sprintf("request timed out after %s", c.timeout)}
		}
		return Outcome{Class: ClassRetryable, Code: "network_error", Message: fmt.Sprintf("executing request: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return Outcome{Class: ClassRetryable, Status: resp.StatusCode, Code: "network_error", Message: fmt.Sprintf("reading response: %v", err)}
	}

	class := Classify(resp.StatusCode)
	if class == ClassSuccess {
		var created createdBody
		_ = json.Unmarshal(respBody, &created)
		return Outcome{Class: ClassSuccess, Status: resp.StatusCode, ServerID: created.ID}
	}

	out := Outcome{Class: class, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var eb errorBody
	if json.Unmarshal(respBody, &eb) == nil && (eb.Error.Code != "" || eb.Error.Message != "") {
		out.Code = eb.Error.Code
		if eb.Error.Message != "" {
			out.Message = eb.Error.Message
		}
	} else if s := strings.TrimSpace(string(respBody)); s != "" {
		out.Message = truncate(s, 512)
	}
	return out
}

// Classify maps an HTTP status to an outcome class.
func Classify(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status == http.StatusTooManyRequests:
		return ClassRetryable
	case status >= 500:
		return ClassRetryable
	default:
		return ClassPermanent
	}
}

func requestBody(payload json.RawMessage, attachmentIDs []string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if obj == nil {
		return nil, errors.New("payload is not an object")
	}
	if len(attachmentIDs) > 0 {
		ids, err := json.Marshal(attachmentIDs)
		if err != nil {
			return nil, err
		}
		obj["attachment_ids"] = ids
	}
	return json.Marshal(obj)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
