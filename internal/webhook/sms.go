package webhook

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/reconcile"
)

const sourceSMS = "sms"

// SMSHandler accepts delivery reports from the HTTP SMS gateway.
type SMSHandler struct {
	reconciler Reconciler
	logger     *zap.Logger
	now        func() time.Time
}

func NewSMSHandler(reconciler Reconciler, logger *zap.Logger) *SMSHandler {
	return &SMSHandler{reconciler: reconciler, logger: logger, now: time.Now}
}

type deliveryReport struct {
	RequestID flexString `json:"request_id"`
	MessageID flexString `json:"message_id"`
	DestAddr  string     `json:"dest_addr"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason"`
	Timestamp string     `json:"timestamp"`
}

func (d deliveryReport) id() string {
	if d.RequestID != "" {
		return string(d.RequestID)
	}
	return string(d.MessageID)
}

// Receive handles a delivery report sent as JSON or as form/query values.
func (h *SMSHandler) Receive(w http.ResponseWriter, r *http.Request) {
	report, err := h.decode(w, r)
	if err != nil {
		h.logger.Warn("sms delivery report bad payload", zap.Error(err))
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if report.id() == "" {
		http.Error(w, "Bad request: request_id is required", http.StatusBadRequest)
		return
	}

	status, ok := channel.GatewayStatus(report.Status)
	if !ok {
		h.logger.Debug("sms delivery report with unmapped status",
			zap.String("provider_message_id", report.id()),
			zap.String("status", report.Status),
		)
	}

	ev := reconcile.StatusEvent{
		Source:            sourceSMS,
		ProviderMessageID: report.id(),
		Status:            status,
		At:                h.reportTime(report.Timestamp),
	}
	if status == db.StatusFailed {
		reason := report.Reason
		if reason == "" {
			reason = "gateway reported " + strings.ToUpper(report.Status)
		}
		ev.ErrorMessage = channel.CodeProviderError + ": " + reason
	}

	if _, err := h.reconciler.OnStatusEvent(r.Context(), ev); err != nil {
		h.logger.Error("sms delivery report not applied",
			zap.String("provider_message_id", ev.ProviderMessageID),
			zap.Error(err),
		)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *SMSHandler) decode(w http.ResponseWriter, r *http.Request) (deliveryReport, error) {
	var d deliveryReport
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&d)
		return d, err
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return d, err
	}
	d.RequestID = flexString(r.Form.Get("request_id"))
	d.MessageID = flexString(r.Form.Get("message_id"))
	d.DestAddr = r.Form.Get("dest_addr")
	d.Status = r.Form.Get("status")
	d.Reason = r.Form.Get("reason")
	d.Timestamp = r.Form.Get("timestamp")
	return d, nil
}

func (h *SMSHandler) reportTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return unixTime(s, h.now())
}
