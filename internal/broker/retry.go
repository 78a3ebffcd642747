package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/STTM-NSU/trading-core/internal/quota"
)

// RequestWithRetry retries quote and chart TRs. Quota drops are not retried.
func RequestWithRetry(ctx context.Context, b Broker, req TRRequest, retries int, backoff time.Duration) (TRResponse, error) {
	var lastErr error
	for attempt := 0; attempt < max(retries, 1); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return TRResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
		resp, err := b.Request(ctx, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, quota.ErrWaitTooLong) || errors.Is(err, ErrNotConnected) {
			return TRResponse{}, err
		}
		lastErr = err
	}
	return TRResponse{}, fmt.Errorf("%w: %s failed after %d attempts", lastErr, req.TRCode, max(retries, 1))
}

// RequestPages follows continuation pages up to maxPages. A failing page discards what was
// collected so far.
func RequestPages(ctx context.Context, b Broker, req TRRequest, maxPages, retries int, backoff time.Duration) ([]map[string]string, error) {
	var records []map[string]string
	req.Next = false
	for page := 0; page < maxPages; page++ {
		resp, err := RequestWithRetry(ctx, b, req, retries, backoff)
		if err != nil {
			return nil, err
		}
		records = append(records, resp.Records...)
		if !resp.Next {
			break
		}
		req.Next = true
	}
	return records, nil
}
