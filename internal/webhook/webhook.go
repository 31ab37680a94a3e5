// Package webhook decodes provider push traffic (WhatsApp Cloud API webhooks,
// SMS gateway delivery reports and SES notifications) into reconciler events.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/reconcile"
)

// Reconciler receives decoded provider events.
type Reconciler interface {
	OnStatusEvent(ctx context.Context, ev reconcile.StatusEvent) (reconcile.MatchResult, error)
	OnInboundEvent(ctx context.Context, ev reconcile.InboundEvent) (*db.Message, error)
}

// maxBodyBytes caps webhook bodies.
const maxBodyBytes = 1 << 20

// flexString accepts a JSON string or number. Gateways disagree on how they
// encode message ids.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// unixTime parses a unix-seconds timestamp, falling back to now.
func unixTime(s string, now time.Time) time.Time {
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0).UTC()
	}
	return now.UTC()
}
