package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/V4T54L/feedwatch/internal/adapter/pii"
	"github.com/V4T54L/feedwatch/internal/domain"
)

const (
	defaultPageLimit = 100
	defaultUserAgent = "feedwatch/1.0"
	maxBodyBytes     = 32 << 20
)

// HTTPSource reads a paginated JSON feed:
//
//	GET {url}?limit=N[&after=cursor]
//	-> {"records":[{"id":"...","occurred_at":"RFC3339","payload":{...}}],"next":"..."}
type HTTPSource struct {
	name      string
	baseURL   *url.URL
	pageLimit int
	userAgent string
	client    *http.Client
	maxBody   int64
	redactor  *pii.Redactor
	logger    *slog.Logger
}

// HTTPSourceOptions configures an HTTPSource.
type HTTPSourceOptions struct {
	Name      string
	URL       string
	PageLimit int
	UserAgent string
	// Client defaults to a client without its own timeout; callers bound each
	// request through the context.
	Client *http.Client
	// Redactor masks payload fields before records leave the source. Nil
	// stores payloads as received.
	Redactor *pii.Redactor
}

type wireRecord struct {
	ID         string          `json:"id"`
	OccurredAt string          `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type wirePage struct {
	Records []wireRecord `json:"records"`
	Next    string       `json:"next"`
}

// NewHTTPSource validates opts and builds a source.
func NewHTTPSource(opts HTTPSourceOptions, logger *slog.Logger) (*HTTPSource, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, errors.New("source name is required")
	}
	u, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil {
		return nil, fmt.Errorf("invalid url for source %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid url for source %s: scheme must be http or https", name)
	}
	limit := opts.PageLimit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSource{
		name:      name,
		baseURL:   u,
		pageLimit: limit,
		userAgent: ua,
		client:    client,
		maxBody:   maxBodyBytes,
		redactor:  opts.Redactor,
		logger:    logger.With("component", "upstream", "source", name),
	}, nil
}

// Name returns the source name used in records and metric labels.
func (s *HTTPSource) Name() string { return s.name }

// Fetch requests the page after cursor. Failures are *domain.FetchError.
func (s *HTTPSource) Fetch(ctx context.Context, cursor string) (domain.Page, error) {
	body, err := s.doGET(ctx, s.pageURL(cursor))
	if err != nil {
		return domain.Page{}, err
	}

	var page wirePage
	if err := json.Unmarshal(body, &page); err != nil {
		return domain.Page{}, &domain.FetchError{Class: domain.ClassInvalidResponse, StatusCode: http.StatusOK, Err: fmt.Errorf("decode page: %w", err)}
	}

	records := make([]domain.Record, 0, len(page.Records))
	for _, wr := range page.Records {
		r, err := s.toRecord(wr)
		if err != nil {
			s.logger.Warn("Skipping invalid upstream record", "id", wr.ID, "error", err)
			continue
		}
		records = append(records, r)
	}
	return domain.Page{Records: records, Next: page.Next}, nil
}

func (s *HTTPSource) pageURL(cursor string) string {
	u := *s.baseURL
	q := u.Query()
	q.Set("limit", strconv.Itoa(s.pageLimit))
	if cursor != "" {
		q.Set("after", cursor)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *HTTPSource) doGET(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &domain.FetchError{Class: domain.ClassClient, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		// Timeouts and cancellations land here too.
		return nil, &domain.FetchError{Class: domain.ClassConnection, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, &domain.FetchError{Class: domain.ClassConnection, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if class, ok := classifyStatus(resp.StatusCode); !ok {
		return nil, &domain.FetchError{Class: class, StatusCode: resp.StatusCode, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	if int64(len(body)) > s.maxBody {
		return nil, &domain.FetchError{Class: domain.ClassInvalidResponse, StatusCode: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", s.maxBody)}
	}
	return body, nil
}

// classifyStatus maps a non-2xx status to an error class. ok is true for 2xx.
func classifyStatus(status int) (domain.ErrorClass, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", true
	case status == http.StatusTooManyRequests:
		return domain.ClassRateLimited, false
	case status >= 500:
		return domain.ClassServer, false
	default:
		return domain.ClassClient, false
	}
}

func (s *HTTPSource) toRecord(wr wireRecord) (domain.Record, error) {
	id := strings.TrimSpace(wr.ID)
	if id == "" {
		return domain.Record{}, errors.New("missing id")
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(wr.OccurredAt))
	if err != nil {
		return domain.Record{}, fmt.Errorf("occurred_at: %w", err)
	}
	payload := wr.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage("{}")
	}
	if s.redactor.Enabled() {
		redacted, _, err := s.redactor.Redact(payload)
		if err != nil {
			return domain.Record{}, fmt.Errorf("redact payload: %w", err)
		}
		payload = redacted
	}
	return domain.Record{
		Source:     s.name,
		SourceID:   id,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	}, nil
}
