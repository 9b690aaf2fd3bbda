package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Sheet is the subset of a Smartsheet sheet response used by the importers.
type Sheet struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
}

type Column struct {
	ID    int64  `json:"id"`
	Index int    `json:"index"`
	Title string `json:"title"`
}

type Row struct {
	ID    int64  `json:"id"`
	Cells []Cell `json:"cells"`
}

type Cell struct {
	ColumnID int64 `json:"columnId"`
	Value    any   `json:"value"`
}

// At returns the value of the cell at position i, nil when absent.
func (r Row) At(i int) any {
	if i < 0 || i >= len(r.Cells) {
		return nil
	}
	return r.Cells[i].Value
}

// Value returns the row's value for col. Cells are matched by column id and
// fall back to the column position.
func (r Row) Value(col Column) any {
	if col.ID != 0 {
		for _, cell := range r.Cells {
			if cell.ColumnID == col.ID {
				return cell.Value
			}
		}
	}
	return r.At(col.Index)
}

// ColumnByTitle finds the column whose title equals title.
func (s *Sheet) ColumnByTitle(title string) (Column, bool) {
	for _, col := range s.Columns {
		if col.Title == title {
			return col, true
		}
	}
	return Column{}, false
}

// Client fetches sheets from the Smartsheet REST API.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

// NewClient builds a client for baseURL (e.g. https://api.smartsheet.com/2.0/sheets/).
// Requests are retried on transport errors and 5xx responses.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = leveledLogger{logger.Sugar()}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    rc,
	}
}

// FetchSheet downloads one sheet by id.
func (c *Client) FetchSheet(ctx context.Context, sheetID string) (*Sheet, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("smartsheet base url not configured")
	}
	url := c.baseURL
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	url += sheetID

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build sheet request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sheet %s: %w", sheetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch sheet %s: status %d: %s", sheetID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sheet Sheet
	if err := json.NewDecoder(resp.Body).Decode(&sheet); err != nil {
		return nil, fmt.Errorf("decode sheet %s: %w", sheetID, err)
	}
	return &sheet, nil
}

// leveledLogger routes retryablehttp logs into zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
