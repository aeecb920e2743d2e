// Package opensearch indexes update events into OpenSearch (or
// Elasticsearch) through its REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/relswap/internal/history"
	"github.com/loykin/relswap/internal/status"
)

const defaultTimeout = 5 * time.Second

// Options configure a Sink.
type Options struct {
	URL      string // scheme://host[:port]
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink writes one document per status transition. Documents are keyed by
// version, step and time, so a record sent twice (a watcher replaying
// status.json after a restart) overwrites itself instead of duplicating.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	opts.URL = strings.TrimRight(opts.URL, "/")
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

type document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Event     history.EventType `json:"event"`
	Version   string            `json:"version"`
	Step      status.Step       `json:"step"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func docID(e history.Event) string {
	return e.Record.Version + "-" + string(e.Record.Step) + "-" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{
		Timestamp: e.OccurredAt.UTC(),
		Event:     e.Type,
		Version:   e.Record.Version,
		Step:      e.Record.Step,
		Message:   e.Record.Message,
		Error:     e.Record.Error,
	})
	if err != nil {
		return err
	}
	u := s.opts.URL + "/" + url.PathEscape(s.opts.Index) + "/_doc/" + url.PathEscape(docID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch index %s: %w", s.opts.Index, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
