package gsheets

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/user/ratatosk"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Config tunes the read retry policy. Zero values pick the defaults:
// three attempts backing off 1s, 2s with ±500ms jitter.
type Config struct {
	Attempts  int
	BaseDelay time.Duration
	Jitter    time.Duration
}

func (c *Config) withDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	} else if c.Jitter == 0 {
		c.Jitter = 500 * time.Millisecond
	}
}

// Reader fetches A1 ranges from Google Sheets.
type Reader struct {
	svc *sheets.Service
	cfg Config
}

func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Reader, error) {
	cfg.withDefaults()
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &Reader{svc: svc, cfg: cfg}, nil
}

// ReadRange fetches one A1 range. 429 and 5xx responses are retried with
// exponential backoff and jitter; other failures return immediately.
func (r *Reader) ReadRange(ctx context.Context, spreadsheetID, rangeA1 string) ([][]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		if attempt > 0 {
			delay := r.cfg.BaseDelay << (attempt - 1)
			if r.cfg.Jitter > 0 {
				delay += time.Duration(rand.Int63n(int64(2*r.cfg.Jitter))) - r.cfg.Jitter
			}
			if delay < 0 {
				delay = 0
			}
			select {
			case <-ctx.Done():
				return nil, ratatosk.Wrap(ratatosk.KindSourceUnavailable, ctx.Err(), "sheet read interrupted")
			case <-time.After(delay):
			}
		}

		resp, err := r.svc.Spreadsheets.Values.Get(spreadsheetID, rangeA1).Context(ctx).Do()
		if err == nil {
			return resp.Values, nil
		}
		if !retryable(err) {
			return nil, classifySheetError(err, spreadsheetID)
		}
		lastErr = err
	}
	return nil, ratatosk.Wrap(ratatosk.KindSourceUnavailable, lastErr, "sheet read failed after %d attempts", r.cfg.Attempts)
}

func retryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 429 || gerr.Code >= 500
	}
	// Transport-level failures are retried like 5xx.
	return true
}

func classifySheetError(err error, spreadsheetID string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 404:
			return ratatosk.Wrap(ratatosk.KindNotFound, err, "spreadsheet %s not found", spreadsheetID)
		case 403:
			return ratatosk.Wrap(ratatosk.KindPermissionDenied, err, "no access to spreadsheet %s", spreadsheetID)
		}
	}
	return ratatosk.Wrap(ratatosk.KindSourceUnavailable, err, "sheet read failed")
}

var spreadsheetURLRe = regexp.MustCompile(`spreadsheets/d/([A-Za-z0-9_-]+)`)
var spreadsheetIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SpreadsheetID extracts the document id from a sheet URL, or validates a
// bare id.
func SpreadsheetID(s string) (string, error) {
	if s == "" {
		return "", ratatosk.E(ratatosk.KindConfigInvalid, "empty spreadsheet locator")
	}
	if m := spreadsheetURLRe.FindStringSubmatch(s); m != nil {
		return m[1], nil
	}
	if spreadsheetIDRe.MatchString(s) {
		return s, nil
	}
	return "", ratatosk.E(ratatosk.KindConfigInvalid, "malformed spreadsheet URL: %s", s)
}
