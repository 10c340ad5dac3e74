package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AdjustRequest is the body of POST /api/v1/balances/{owner}/adjust. The
// exchange API serves the same route on top of a Manager, so one instance
// can act as the ledger service for another.
type AdjustRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// HTTPLedger calls a remote ledger service.
type HTTPLedger struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLedger(baseURL string, timeout time.Duration) *HTTPLedger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// AdjustBalance posts the delta. 4xx answers are permanent failures; 5xx
// answers and transport errors may be retried by the caller.
func (l *HTTPLedger) AdjustBalance(ctx context.Context, owner string, amount decimal.Decimal) error {
	body, err := json.Marshal(AdjustRequest{Amount: amount})
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("marshal adjust request: %w", err)}
	}

	endpoint := fmt.Sprintf("%s/api/v1/balances/%s/adjust", l.baseURL, url.PathEscape(owner))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("build adjust request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("adjust balance for %s: %w", owner, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("ledger answered %d for %s: %s", resp.StatusCode, owner, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &PermanentError{Err: err}
	}
	return err
}
