package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/Tinglum/tinglumgard-sub003/models"
	"github.com/Tinglum/tinglumgard-sub003/provider"
	"github.com/Tinglum/tinglumgard-sub003/store"
)

const testWebhookSecret = "webhook-secret"

type mockWebhookPaymentStore struct {
	getBySessionIDFunc       func(ctx context.Context, sessionID string) (*models.Payment, error)
	getByIdempotencyKeyFunc  func(ctx context.Context, key string) (*models.Payment, error)
	markWebhookProcessedFunc func(ctx context.Context, id int, at time.Time) error
	updateStatusFunc         func(ctx context.Context, id int, status models.PaymentStatus) error

	processed []int
	statuses  map[int]models.PaymentStatus
}

func (m *mockWebhookPaymentStore) GetBySessionID(ctx context.Context, sessionID string) (*models.Payment, error) {
	if m.getBySessionIDFunc != nil {
		return m.getBySessionIDFunc(ctx, sessionID)
	}
	return nil, store.ErrNotFound
}

func (m *mockWebhookPaymentStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	if m.getByIdempotencyKeyFunc != nil {
		return m.getByIdempotencyKeyFunc(ctx, key)
	}
	return nil, store.ErrNotFound
}

func (m *mockWebhookPaymentStore) MarkWebhookProcessed(ctx context.Context, id int, at time.Time) error {
	m.processed = append(m.processed, id)
	if m.markWebhookProcessedFunc != nil {
		return m.markWebhookProcessedFunc(ctx, id, at)
	}
	return nil
}

func (m *mockWebhookPaymentStore) UpdateStatus(ctx context.Context, id int, status models.PaymentStatus) error {
	if m.statuses == nil {
		m.statuses = map[int]models.PaymentStatus{}
	}
	m.statuses[id] = status
	if m.updateStatusFunc != nil {
		return m.updateStatusFunc(ctx, id, status)
	}
	return nil
}

type mockWebhookOrderStore struct {
	getByIDFunc func(ctx context.Context, id int) (*models.Order, error)
}

func (m *mockWebhookOrderStore) GetByID(ctx context.Context, id int) (*models.Order, error) {
	return m.getByIDFunc(ctx, id)
}

type mockWebhookTransitions struct {
	completeDepositFunc   func(ctx context.Context, order *models.Order, payment *models.Payment) error
	completeRemainderFunc func(ctx context.Context, order *models.Order, payment *models.Payment) error

	deposits   []int
	remainders []int
}

func (m *mockWebhookTransitions) CompleteDeposit(ctx context.Context, order *models.Order, payment *models.Payment) error {
	m.deposits = append(m.deposits, payment.ID)
	if m.completeDepositFunc != nil {
		return m.completeDepositFunc(ctx, order, payment)
	}
	return nil
}

func (m *mockWebhookTransitions) CompleteRemainder(ctx context.Context, order *models.Order, payment *models.Payment) error {
	m.remainders = append(m.remainders, payment.ID)
	if m.completeRemainderFunc != nil {
		return m.completeRemainderFunc(ctx, order, payment)
	}
	return nil
}

type mockSessionClient struct {
	getSessionFunc func(ctx context.Context, sessionID string) (*provider.Session, error)
}

func (m *mockSessionClient) GetSession(ctx context.Context, sessionID string) (*provider.Session, error) {
	return m.getSessionFunc(ctx, sessionID)
}

func pendingDeposit() *models.Payment {
	return &models.Payment{
		ID:                21,
		OrderID:           5,
		Type:              models.PaymentTypeDeposit,
		Amount:            240000,
		Status:            models.PaymentStatusPending,
		ProviderSessionID: "sess-dep",
		IdempotencyKey:    "DEPOSIT-PORK-2026-0042",
	}
}

func webhookOrder() *models.Order {
	return &models.Order{
		ID:          5,
		OrderNumber: "PORK-2026-0042",
		ProductLine: models.ProductLinePorkBox,
		Status:      models.OrderStatusDraft,
	}
}

func performWebhook(h *WebhookHandler, body any, auth string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/payments/webhook", h.Handle)

	var buf bytes.Buffer
	switch v := body.(type) {
	case string:
		buf.WriteString(v)
	default:
		json.NewEncoder(&buf).Encode(v)
	}
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWebhook_RejectsMissingAuth(t *testing.T) {
	payments := &mockWebhookPaymentStore{}
	h := NewWebhookHandler(payments, &mockWebhookOrderStore{}, &mockWebhookTransitions{}, &mockSessionClient{}, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, webhookRequest{SessionID: "sess-dep"}, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestWebhook_RejectsWrongSecret(t *testing.T) {
	h := NewWebhookHandler(&mockWebhookPaymentStore{}, &mockWebhookOrderStore{}, &mockWebhookTransitions{}, &mockSessionClient{}, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, webhookRequest{SessionID: "sess-dep"}, "Bearer wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestWebhook_RejectsMalformedBody(t *testing.T) {
	h := NewWebhookHandler(&mockWebhookPaymentStore{}, &mockWebhookOrderStore{}, &mockWebhookTransitions{}, &mockSessionClient{}, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, "{not json", "Bearer "+testWebhookSecret)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestWebhook_RejectsEmptyIdentifiers(t *testing.T) {
	h := NewWebhookHandler(&mockWebhookPaymentStore{}, &mockWebhookOrderStore{}, &mockWebhookTransitions{}, &mockSessionClient{}, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, webhookRequest{}, "Bearer "+testWebhookSecret)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestWebhook_UnknownPayment(t *testing.T) {
	h := NewWebhookHandler(&mockWebhookPaymentStore{}, &mockWebhookOrderStore{}, &mockWebhookTransitions{}, &mockSessionClient{}, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, webhookRequest{SessionID: "sess-unknown"}, "Bearer "+testWebhookSecret)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestWebhook_ProcessesCapturedDeposit(t *testing.T) {
	payment := pendingDeposit()
	payments := &mockWebhookPaymentStore{
		getBySessionIDFunc: func(ctx context.Context, sessionID string) (*models.Payment, error) {
			return payment, nil
		},
	}
	orders := &mockWebhookOrderStore{getByIDFunc: func(ctx context.Context, id int) (*models.Order, error) {
		return webhookOrder(), nil
	}}
	transitions := &mockWebhookTransitions{}
	client := &mockSessionClient{getSessionFunc: func(ctx context.Context, sessionID string) (*provider.Session, error) {
		return &provider.Session{SessionID: sessionID, State: provider.StateCaptured}, nil
	}}
	h := NewWebhookHandler(payments, orders, transitions, client, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, webhookRequest{SessionID: "sess-dep", SessionState: "PaymentCaptured"}, "Bearer "+testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(transitions.deposits) != 1 || transitions.deposits[0] != 21 {
		t.Errorf("Expected deposit completion for payment 21, got %v", transitions.deposits)
	}
	if len(payments.processed) != 1 || payments.processed[0] != 21 {
		t.Errorf("Expected payment 21 marked processed, got %v", payments.processed)
	}
}

// The legacy protocol identifies the payment by merchant reference.
func TestWebhook_LooksUpByReference(t *testing.T) {
	payment := pendingDeposit()
	payments := &mockWebhookPaymentStore{
		getByIdempotencyKeyFunc: func(ctx context.Context, key string) (*models.Payment, error) {
			if key != "DEPOSIT-PORK-2026-0042" {
				return nil, store.ErrNotFound
			}
			return payment, nil
		},
	}
	orders := &mockWebhookOrderStore{getByIDFunc: func(ctx context.Context, id int) (*models.Order, error) {
		return webhookOrder(), nil
	}}
	client := &mockSessionClient{getSessionFunc: func(ctx context.Context, sessionID string) (*provider.Session, error) {
		return &provider.Session{SessionID: sessionID, State: provider.StateCaptured}, nil
	}}
	h := NewWebhookHandler(payments, orders, &mockWebhookTransitions{}, client, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, webhookRequest{Reference: "DEPOSIT-PORK-2026-0042"}, "Bearer "+testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWebhook_DuplicateDeliveryIsNoOp(t *testing.T) {
	processedAt := time.Now().UTC()
	payment := pendingDeposit()
	payment.Status = models.PaymentStatusCompleted
	payment.WebhookProcessedAt = &processedAt

	payments := &mockWebhookPaymentStore{
		getBySessionIDFunc: func(ctx context.Context, sessionID string) (*models.Payment, error) {
			return payment, nil
		},
	}
	transitions := &mockWebhookTransitions{}
	client := &mockSessionClient{getSessionFunc: func(ctx context.Context, sessionID string) (*provider.Session, error) {
		t.Fatal("Provider must not be called for a processed webhook")
		return nil, nil
	}}
	h := NewWebhookHandler(payments, &mockWebhookOrderStore{}, transitions, client, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, webhookRequest{SessionID: "sess-dep"}, "Bearer "+testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if len(transitions.deposits) != 0 {
		t.Errorf("Duplicate delivery must not re-run the transition, got %v", transitions.deposits)
	}
}

// The claimed state in the body is never trusted: a "PaymentCaptured" claim
// whose fetched session is still open only gets acknowledged.
func TestWebhook_IgnoresClaimedState(t *testing.T) {
	payment := pendingDeposit()
	payments := &mockWebhookPaymentStore{
		getBySessionIDFunc: func(ctx context.Context, sessionID string) (*models.Payment, error) {
			return payment, nil
		},
	}
	transitions := &mockWebhookTransitions{}
	client := &mockSessionClient{getSessionFunc: func(ctx context.Context, sessionID string) (*provider.Session, error) {
		return &provider.Session{SessionID: sessionID, State: provider.StatePaymentInitiated}, nil
	}}
	h := NewWebhookHandler(payments, &mockWebhookOrderStore{}, transitions, client, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, webhookRequest{SessionID: "sess-dep", SessionState: "PaymentCaptured"}, "Bearer "+testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if len(transitions.deposits) != 0 {
		t.Errorf("Unverified claim must not complete, got %v", transitions.deposits)
	}
	if len(payments.processed) != 0 {
		t.Errorf("Payment must stay unprocessed for a later real completion, got %v", payments.processed)
	}
}

func TestWebhook_RecordsTerminalFailureState(t *testing.T) {
	payment := pendingDeposit()
	payments := &mockWebhookPaymentStore{
		getBySessionIDFunc: func(ctx context.Context, sessionID string) (*models.Payment, error) {
			return payment, nil
		},
	}
	client := &mockSessionClient{getSessionFunc: func(ctx context.Context, sessionID string) (*provider.Session, error) {
		return &provider.Session{SessionID: sessionID, State: provider.StateFailed}, nil
	}}
	h := NewWebhookHandler(payments, &mockWebhookOrderStore{}, &mockWebhookTransitions{}, client, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, webhookRequest{SessionID: "sess-dep"}, "Bearer "+testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if payments.statuses[21] != models.PaymentStatusFailed {
		t.Errorf("Expected payment 21 recorded failed, got %v", payments.statuses)
	}
}

// A provider outage must produce a non-2xx so the provider retries later.
func TestWebhook_ProviderOutageLeavesRetry(t *testing.T) {
	payment := pendingDeposit()
	payments := &mockWebhookPaymentStore{
		getBySessionIDFunc: func(ctx context.Context, sessionID string) (*models.Payment, error) {
			return payment, nil
		},
	}
	client := &mockSessionClient{getSessionFunc: func(ctx context.Context, sessionID string) (*provider.Session, error) {
		return nil, provider.ErrUnavailable
	}}
	h := NewWebhookHandler(payments, &mockWebhookOrderStore{}, &mockWebhookTransitions{}, client, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, webhookRequest{SessionID: "sess-dep"}, "Bearer "+testWebhookSecret)
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}
	if len(payments.processed) != 0 {
		t.Errorf("Payment must not be marked processed on outage, got %v", payments.processed)
	}
}

func TestWebhook_TransitionErrorLeavesRetry(t *testing.T) {
	payment := pendingDeposit()
	payments := &mockWebhookPaymentStore{
		getBySessionIDFunc: func(ctx context.Context, sessionID string) (*models.Payment, error) {
			return payment, nil
		},
	}
	orders := &mockWebhookOrderStore{getByIDFunc: func(ctx context.Context, id int) (*models.Order, error) {
		return webhookOrder(), nil
	}}
	transitions := &mockWebhookTransitions{
		completeDepositFunc: func(ctx context.Context, order *models.Order, payment *models.Payment) error {
			return context.DeadlineExceeded
		},
	}
	client := &mockSessionClient{getSessionFunc: func(ctx context.Context, sessionID string) (*provider.Session, error) {
		return &provider.Session{SessionID: sessionID, State: provider.StateCaptured}, nil
	}}
	h := NewWebhookHandler(payments, orders, transitions, client, testWebhookSecret, zaptest.NewLogger(t))

	w := performWebhook(h, webhookRequest{SessionID: "sess-dep"}, "Bearer "+testWebhookSecret)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
	if len(payments.processed) != 0 {
		t.Errorf("Payment must not be marked processed on failed transition, got %v", payments.processed)
	}
}
