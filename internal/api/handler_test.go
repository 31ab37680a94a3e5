package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/redis"
)

// fakeAdapter accepts every recipient except those listed in reject.
type fakeAdapter struct {
	mu     sync.Mutex
	calls  int
	reject map[string]bool
}

func (a *fakeAdapter) Send(_ context.Context, req *channel.Request) (*channel.Outcome, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.reject[req.To] {
		return channel.Failure(channel.CodeInvalidRecipient, "unreachable"), nil
	}
	return channel.Delivered("pm-"+req.To, nil), nil
}

func (a *fakeAdapter) SupportsChannel(db.Channel) bool { return true }

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type testServer struct {
	adapter       *fakeAdapter
	deliveries    *memstore.DeliveryLog
	conversations *memstore.Conversations
	router        chi.Router
}

func newTestServer(t *testing.T, idempotency *redis.IdempotencyService) *testServer {
	t.Helper()
	s := &testServer{
		adapter:       &fakeAdapter{reject: map[string]bool{}},
		deliveries:    memstore.NewDeliveryLog(),
		conversations: memstore.NewConversations(),
	}
	d := dispatch.New(s.adapter, nil, nil, dispatch.Config{}, zap.NewNop(),
		dispatch.NewDeliveryLogProjection(s.deliveries),
		dispatch.NewConversationProjection(s.conversations, nil),
	)

	var h *Handler
	if idempotency != nil {
		h = NewHandlerWithIdempotency(zap.NewNop(), d, s.deliveries, s.conversations, idempotency)
	} else {
		h = NewHandler(zap.NewNop(), d, s.deliveries, s.conversations)
	}
	s.router = NewRouter(RouterConfig{Handler: h, Logger: zap.NewNop()})
	return s
}

func (s *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, r)
	return rec
}

func decodeSend(t *testing.T, rec *httptest.ResponseRecorder) SendResponse {
	t.Helper()
	var resp SendResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestRecipients_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"single string", `"0712345678"`, []string{"0712345678"}, false},
		{"array", `["a@example.com","b@example.com"]`, []string{"a@example.com", "b@example.com"}, false},
		{"empty array", `[]`, []string{}, false},
		{"number", `42`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Recipients
			err := json.Unmarshal([]byte(tt.input), &r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(r) != len(tt.want) {
				t.Fatalf("got %v, want %v", r, tt.want)
			}
			for i := range r {
				if r[i] != tt.want[i] {
					t.Errorf("got %v, want %v", r, tt.want)
				}
			}
		})
	}
}

func TestSendMessage(t *testing.T) {
	tests := []struct {
		checkResponse  func(*testing.T, *httptest.ResponseRecorder)
		name           string
		path           string
		body           string
		expectedStatus int
	}{
		{
			name:           "single sms recipient",
			path:           "/v1/messages/sms",
			body:           `{"to":"0712345678","message":"Gates open at 6pm"}`,
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decodeSend(t, rec)
				if resp.Sent != 1 || resp.Failed != 0 || len(resp.Results) != 1 {
					t.Fatalf("unexpected response %+v", resp)
				}
				r := resp.Results[0]
				if r.Recipient != "+255712345678" || r.Status != db.StatusSent || r.ProviderMessageID != "pm-+255712345678" {
					t.Errorf("unexpected result %+v", r)
				}
				if r.ID == "" {
					t.Error("expected delivery record id")
				}
			},
		},
		{
			name:           "duplicates collapse and empty recipients fail",
			path:           "/v1/messages/whatsapp",
			body:           `{"to":["0712345678","+255 712 345 678",""],"type":"template","templateName":"event_reminder","templateParams":{"guestName":"Asha","eventName":"Gala","eventDate":"1 Nov"}}`,
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decodeSend(t, rec)
				if resp.Sent != 1 || resp.Failed != 1 {
					t.Fatalf("unexpected counts %+v", resp)
				}
				if !strings.HasPrefix(resp.Results[1].ErrorMessage, dispatch.CodeEmptyRecipient) {
					t.Errorf("expected empty recipient failure, got %+v", resp.Results[1])
				}
			},
		},
		{
			name:           "unknown channel",
			path:           "/v1/messages/telegram",
			body:           `{"to":"0712345678","message":"hi"}`,
			expectedStatus: http.StatusNotFound,
			checkResponse:  func(t *testing.T, rec *httptest.ResponseRecorder) {},
		},
		{
			name:           "malformed json",
			path:           "/v1/messages/sms",
			body:           `{"to":`,
			expectedStatus: http.StatusBadRequest,
			checkResponse:  func(t *testing.T, rec *httptest.ResponseRecorder) {},
		},
		{
			name:           "email without subject",
			path:           "/v1/messages/email",
			body:           `{"to":"guest@example.com","message":"hello"}`,
			expectedStatus: http.StatusBadRequest,
			checkResponse: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var errResp ErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
					t.Fatalf("failed to decode error response: %v", err)
				}
				if errResp.Status != 400 || !strings.Contains(errResp.Detail, "subject") {
					t.Errorf("unexpected error response %+v", errResp)
				}
				if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
					t.Errorf("content type = %q", ct)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			rec := s.do(http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			tt.checkResponse(t, rec)
		})
	}
}

func TestSendMessage_PerRecipientFailure(t *testing.T) {
	s := newTestServer(t, nil)
	s.adapter.reject["+255700000002"] = true

	rec := s.do(http.MethodPost, "/v1/messages/sms", `{"to":["0700000001","0700000002","0700000003"],"message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	resp := decodeSend(t, rec)
	want := []db.Status{db.StatusSent, db.StatusFailed, db.StatusSent}
	for i, r := range resp.Results {
		if r.Status != want[i] {
			t.Errorf("result %d status = %s, want %s", i, r.Status, want[i])
		}
	}
	if resp.Sent != 2 || resp.Failed != 1 {
		t.Errorf("sent=%d failed=%d", resp.Sent, resp.Failed)
	}
}

func setupIdempotency(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return redis.NewIdempotencyService(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop())
}

func TestSendMessage_Idempotency(t *testing.T) {
	s := newTestServer(t, setupIdempotency(t))
	body := `{"to":"0712345678","message":"hi","ownerId":"owner-1"}`

	first := s.do(http.MethodPost, "/v1/messages/sms", body, "Idempotency-Key", "key-1")
	if first.Code != http.StatusOK {
		t.Fatalf("first request: %d %s", first.Code, first.Body.String())
	}

	second := s.do(http.MethodPost, "/v1/messages/sms", body, "Idempotency-Key", "key-1")
	if second.Code != http.StatusOK {
		t.Fatalf("replayed request: %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header")
	}
	if !bytes.Equal(bytes.TrimSpace(first.Body.Bytes()), bytes.TrimSpace(second.Body.Bytes())) {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if got := s.adapter.callCount(); got != 1 {
		t.Errorf("adapter called %d times, want 1", got)
	}

	reused := s.do(http.MethodPost, "/v1/messages/sms", `{"to":"0712345679","message":"hi","ownerId":"owner-1"}`, "Idempotency-Key", "key-1")
	if reused.Code != http.StatusUnprocessableEntity {
		t.Errorf("reused key: expected 422, got %d", reused.Code)
	}

	// A different owner has its own key space.
	other := s.do(http.MethodPost, "/v1/messages/sms", `{"to":"0712345678","message":"hi","ownerId":"owner-2"}`, "Idempotency-Key", "key-1")
	if other.Code != http.StatusOK || other.Header().Get("X-Idempotency-Replayed") != "" {
		t.Errorf("other owner: %d replayed=%q", other.Code, other.Header().Get("X-Idempotency-Replayed"))
	}
}

func TestSendMessage_IdempotencyReleasedOnValidationError(t *testing.T) {
	s := newTestServer(t, setupIdempotency(t))

	bad := s.do(http.MethodPost, "/v1/messages/email", `{"to":"a@example.com","message":"no subject"}`, "Idempotency-Key", "key-2")
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", bad.Code)
	}

	good := s.do(http.MethodPost, "/v1/messages/email", `{"to":"a@example.com","subject":"Hi","message":"fixed"}`, "Idempotency-Key", "key-2")
	if good.Code != http.StatusOK {
		t.Fatalf("retry after validation error: %d %s", good.Code, good.Body.String())
	}
}

func TestDeliveries(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, "/v1/messages/sms", `{"to":["0712345678","0712345679"],"message":"hi"}`)
	sent := decodeSend(t, rec)

	t.Run("list by raw recipient", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/v1/deliveries?recipient=0712345678", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body struct {
			Data  []db.DeliveryRecord `json:"data"`
			Count int                 `json:"count"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Count != 1 || body.Data[0].Recipient != "+255712345678" {
			t.Errorf("unexpected list %+v", body)
		}
	})

	t.Run("get by id", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/v1/deliveries/"+sent.Results[1].ID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var got db.DeliveryRecord
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Recipient != "+255712345679" || got.Status != db.StatusSent {
			t.Errorf("unexpected record %+v", got)
		}
	})

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"invalid status filter", "/v1/deliveries?status=bounced", http.StatusBadRequest},
		{"invalid channel filter", "/v1/deliveries?channel=fax", http.StatusBadRequest},
		{"invalid id", "/v1/deliveries/not-a-uuid", http.StatusBadRequest},
		{"unknown id", "/v1/deliveries/00000000-0000-0000-0000-000000000001", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do(http.MethodGet, tt.path, ""); rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestConversationEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	conv, err := s.conversations.Upsert(ctx, db.ConversationKey{
		OwnerID:     "owner-1",
		PhoneNumber: "+255712345678",
		Channel:     db.ChannelSMS,
	}, db.NameCandidate{Name: "Asha", Source: db.NameSourceAuthoritative})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := s.conversations.AppendMessage(ctx, &db.Message{
		ConversationID: conv.ID,
		Direction:      db.DirectionInbound,
		Content:        "Is parking available?",
		MessageType:    db.MessageTypeText,
		Status:         db.StatusDelivered,
	}, db.AppendOptions{IncrementUnread: true, TouchLastMessage: true}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	base := "/v1/conversations/" + conv.ID.String()

	rec := s.do(http.MethodPost, base+"/messages", `{"message":"Yes, at gate B"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat send: %d %s", rec.Code, rec.Body.String())
	}
	if resp := decodeSend(t, rec); resp.Sent != 1 || resp.Results[0].Recipient != conv.PhoneNumber {
		t.Errorf("unexpected chat send response %+v", resp)
	}

	rec = s.do(http.MethodGet, base+"/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list messages: %d", rec.Code)
	}
	var thread struct {
		Data []db.Message `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&thread); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(thread.Data) != 2 || thread.Data[1].Direction != db.DirectionOutbound || thread.Data[1].DeliveryRecordID == nil {
		t.Errorf("unexpected thread %+v", thread.Data)
	}

	rec = s.do(http.MethodGet, "/v1/conversations?owner_id=owner-1&channel=sms", "")
	var list struct {
		Data []db.Conversation `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].UnreadCount != 1 || list.Data[0].ContactName != "Asha" {
		t.Errorf("unexpected conversation list %+v", list.Data)
	}

	if rec := s.do(http.MethodPost, base+"/read", ""); rec.Code != http.StatusOK {
		t.Fatalf("mark read: %d", rec.Code)
	}
	got, err := s.conversations.Get(ctx, conv.ID)
	if err != nil || got.UnreadCount != 0 {
		t.Errorf("unread after mark read = %v (err %v)", got, err)
	}
}

func TestConversationEndpoints_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"list without owner", http.MethodGet, "/v1/conversations", "", http.StatusBadRequest},
		{"list email channel", http.MethodGet, "/v1/conversations?owner_id=o&channel=email", "", http.StatusBadRequest},
		{"messages of unknown conversation", http.MethodGet, "/v1/conversations/00000000-0000-0000-0000-000000000009/messages", "", http.StatusNotFound},
		{"read unknown conversation", http.MethodPost, "/v1/conversations/00000000-0000-0000-0000-000000000009/read", "", http.StatusNotFound},
		{"send to unknown conversation", http.MethodPost, "/v1/conversations/00000000-0000-0000-0000-000000000009/messages", `{"message":"hi"}`, http.StatusNotFound},
		{"bad conversation id", http.MethodPost, "/v1/conversations/nope/read", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do(tt.method, tt.path, tt.body); rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	h := NewHandler(zap.NewNop(), nil, memstore.NewDeliveryLog(), memstore.NewConversations())

	healthy := NewRouter(RouterConfig{Handler: h, Logger: zap.NewNop()})
	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	failing := NewRouter(RouterConfig{
		Handler: h,
		Logger:  zap.NewNop(),
		Health:  func(context.Context) error { return errors.New("database down") },
	})
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestSendMessage_RecipientQuota(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := newTestServer(t, nil)
	limiter := redis.NewRateLimiter(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop(), redis.RateLimitConfig{
		Limit:  3,
		Window: time.Minute,
	})
	d := dispatch.New(s.adapter, nil, nil, dispatch.Config{}, zap.NewNop(), dispatch.NewDeliveryLogProjection(s.deliveries))
	h := NewHandler(zap.NewNop(), d, s.deliveries, s.conversations).WithRecipientLimiter(limiter)
	s.router = NewRouter(RouterConfig{Handler: h, Logger: zap.NewNop()})

	ok := s.do(http.MethodPost, "/v1/messages/sms", `{"to":["0700000001","0700000002"],"message":"hi","ownerId":"o"}`)
	if ok.Code != http.StatusOK {
		t.Fatalf("first batch: %d", ok.Code)
	}

	over := s.do(http.MethodPost, "/v1/messages/sms", `{"to":["0700000003","0700000004"],"message":"hi","ownerId":"o"}`)
	if over.Code != http.StatusTooManyRequests {
		t.Fatalf("second batch: expected 429, got %d", over.Code)
	}
	if got := s.adapter.callCount(); got != 2 {
		t.Errorf("adapter called %d times, want 2", got)
	}
}

func TestSendMessage_RecipientQuotaChargesDistinctRecipients(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := newTestServer(t, nil)
	limiter := redis.NewRateLimiter(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop(), redis.RateLimitConfig{
		Limit:  3,
		Window: time.Minute,
	})
	d := dispatch.New(s.adapter, nil, nil, dispatch.Config{}, zap.NewNop(), dispatch.NewDeliveryLogProjection(s.deliveries))
	h := NewHandler(zap.NewNop(), d, s.deliveries, s.conversations).WithRecipientLimiter(limiter)
	s.router = NewRouter(RouterConfig{Handler: h, Logger: zap.NewNop()})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicates charged once", `{"to":["0700000001","+255700000001","255700000001","0700000002"],"message":"hi","ownerId":"o"}`, http.StatusOK},
		{"fills the quota", `{"to":"0700000003","message":"hi","ownerId":"o"}`, http.StatusOK},
		{"over the quota", `{"to":"0700000004","message":"hi","ownerId":"o"}`, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		rr := s.do(http.MethodPost, "/v1/messages/sms", tt.body)
		if rr.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d: %s", tt.name, rr.Code, tt.want, rr.Body.String())
		}
	}
	if got := s.adapter.callCount(); got != 3 {
		t.Errorf("adapter called %d times, want 3", got)
	}
}
