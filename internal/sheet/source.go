package sheet

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"time"
)

// Source yields the raw rows of the recurring-template feed.
type Source interface {
	Fetch(ctx context.Context) ([][]string, error)
}

// HTTPSource fetches a published CSV export of the timetable sheet.
type HTTPSource struct {
	URL  string
	http *http.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSource{URL: url, http: &http.Client{Timeout: timeout}}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sheet fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sheet fetch: unexpected status %s", resp.Status)
	}

	r := csv.NewReader(resp.Body)
	// The sheet has ragged rows; the parser tolerates them.
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("sheet csv: %w", err)
	}
	return rows, nil
}
