package checkout

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/Tinglum/tinglumgard-sub003/engine"
	"github.com/Tinglum/tinglumgard-sub003/models"
	"github.com/Tinglum/tinglumgard-sub003/provider"
	"github.com/Tinglum/tinglumgard-sub003/store"
)

type mockOrderStore struct {
	order *models.Order
}

func (m *mockOrderStore) GetByID(ctx context.Context, id int) (*models.Order, error) {
	if m.order == nil || m.order.ID != id {
		return nil, store.ErrNotFound
	}
	o := *m.order
	return &o, nil
}

type mockPaymentStore struct {
	payments map[int]*models.Payment
	nextID   int
	created  []*models.Payment
	deleted  []int
}

func newMockPaymentStore(payments ...*models.Payment) *mockPaymentStore {
	m := &mockPaymentStore{payments: map[int]*models.Payment{}, nextID: 100}
	for _, p := range payments {
		m.payments[p.ID] = p
	}
	return m
}

func (m *mockPaymentStore) GetByOrderAndType(ctx context.Context, orderID int, typ models.PaymentType) (*models.Payment, error) {
	var latest *models.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID && p.Type == typ {
			if latest == nil || p.ID > latest.ID {
				latest = p
			}
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *mockPaymentStore) Create(ctx context.Context, p *models.Payment) error {
	m.nextID++
	p.ID = m.nextID
	cp := *p
	m.payments[p.ID] = &cp
	m.created = append(m.created, &cp)
	return nil
}

func (m *mockPaymentStore) Delete(ctx context.Context, id int) error {
	delete(m.payments, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type mockProviderClient struct {
	createFunc  func(ctx context.Context, req provider.CreateSessionRequest) (*provider.Session, error)
	getFunc     func(ctx context.Context, sessionID string) (*provider.Session, error)
	createCalls int
}

func (m *mockProviderClient) CreateSession(ctx context.Context, req provider.CreateSessionRequest) (*provider.Session, error) {
	m.createCalls++
	if m.createFunc != nil {
		return m.createFunc(ctx, req)
	}
	return &provider.Session{
		SessionID:   "sess-new",
		Reference:   req.Reference,
		State:       provider.StateSessionCreated,
		RedirectURL: "https://checkout.example.com/sess-new",
	}, nil
}

func (m *mockProviderClient) GetSession(ctx context.Context, sessionID string) (*provider.Session, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, sessionID)
	}
	return nil, provider.ErrSessionNotFound
}

func draftOrder() *models.Order {
	return &models.Order{
		ID:              1,
		OrderNumber:     "EGGS-2026-0007",
		CustomerID:      3,
		ProductLine:     models.ProductLineHatchingEggs,
		PoolID:          2,
		Quantity:        24,
		TotalAmount:     90000,
		DepositAmount:   45000,
		RemainderAmount: 45000,
		Currency:        "NOK",
		Status:          models.OrderStatusDraft,
	}
}

func newTestBroker(t *testing.T, orders *mockOrderStore, payments *mockPaymentStore, client *mockProviderClient) *Broker {
	return NewBroker(orders, payments, client, 50, zaptest.NewLogger(t))
}

func TestBegin_CreatesDepositSession(t *testing.T) {
	payments := newMockPaymentStore()
	client := &mockProviderClient{}
	b := newTestBroker(t, &mockOrderStore{order: draftOrder()}, payments, client)

	url, err := b.Begin(context.Background(), 1, models.PaymentTypeDeposit, "https://tinglumgard.no/orders/1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if url != "https://checkout.example.com/sess-new" {
		t.Errorf("Unexpected redirect URL: %s", url)
	}
	if len(payments.created) != 1 {
		t.Fatalf("Expected 1 payment created, got %d", len(payments.created))
	}
	p := payments.created[0]
	if p.Amount != 45000 || p.Type != models.PaymentTypeDeposit || p.Status != models.PaymentStatusPending {
		t.Errorf("Unexpected payment: %+v", p)
	}
	if p.IdempotencyKey != "DEPOSIT-EGGS-2026-0007" {
		t.Errorf("Unexpected idempotency key: %s", p.IdempotencyKey)
	}
}

// The deposit charged at the provider is derived from the configured
// percentage of the current total, so a stale stored deposit_amount never
// reaches the provider.
func TestBegin_DerivesDepositFromPercent(t *testing.T) {
	order := draftOrder()
	order.TotalAmount = 100000
	order.DepositAmount = 45000 // priced before the order was edited up
	payments := newMockPaymentStore()
	b := NewBroker(&mockOrderStore{order: order}, payments, &mockProviderClient{}, 30, zaptest.NewLogger(t))

	_, err := b.Begin(context.Background(), 1, models.PaymentTypeDeposit, "https://tinglumgard.no/orders/1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if len(payments.created) != 1 {
		t.Fatalf("Expected 1 payment created, got %d", len(payments.created))
	}
	if got := payments.created[0].Amount; got != 30000 {
		t.Errorf("Expected deposit derived as 30%% of total (30000), got %d", got)
	}
}

// Two consecutive deposit attempts while the first session is still open must
// land on the same session without a second payment row.
func TestBegin_ReusesOpenSession(t *testing.T) {
	payments := newMockPaymentStore(&models.Payment{
		ID: 10, OrderID: 1, Type: models.PaymentTypeDeposit, Amount: 45000,
		Status: models.PaymentStatusPending, ProviderSessionID: "sess-open",
	})
	client := &mockProviderClient{
		getFunc: func(ctx context.Context, sessionID string) (*provider.Session, error) {
			return &provider.Session{
				SessionID:   sessionID,
				State:       provider.StatePaymentInitiated,
				RedirectURL: "https://checkout.example.com/sess-open",
			}, nil
		},
	}
	b := newTestBroker(t, &mockOrderStore{order: draftOrder()}, payments, client)

	url, err := b.Begin(context.Background(), 1, models.PaymentTypeDeposit, "https://tinglumgard.no/orders/1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if url != "https://checkout.example.com/sess-open" {
		t.Errorf("Expected existing session URL, got %s", url)
	}
	if client.createCalls != 0 {
		t.Errorf("Expected no new session, got %d creations", client.createCalls)
	}
	if len(payments.created) != 0 {
		t.Errorf("Expected no new payment row, got %d", len(payments.created))
	}
}

// An expired provider session means the pending row is stale: delete it and
// open a fresh session instead of accumulating orphans.
func TestBegin_ReplacesStaleSession(t *testing.T) {
	payments := newMockPaymentStore(&models.Payment{
		ID: 10, OrderID: 1, Type: models.PaymentTypeDeposit, Amount: 45000,
		Status: models.PaymentStatusPending, ProviderSessionID: "sess-expired",
	})
	client := &mockProviderClient{
		getFunc: func(ctx context.Context, sessionID string) (*provider.Session, error) {
			return &provider.Session{SessionID: sessionID, State: provider.StateExpired}, nil
		},
	}
	b := newTestBroker(t, &mockOrderStore{order: draftOrder()}, payments, client)

	url, err := b.Begin(context.Background(), 1, models.PaymentTypeDeposit, "https://tinglumgard.no/orders/1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if url == "" {
		t.Fatal("Expected a fresh redirect URL")
	}
	if len(payments.deleted) != 1 || payments.deleted[0] != 10 {
		t.Errorf("Expected stale payment 10 deleted, got %v", payments.deleted)
	}
	if len(payments.created) != 1 {
		t.Errorf("Expected 1 fresh payment row, got %d", len(payments.created))
	}
}

func TestBegin_AlreadyPaid(t *testing.T) {
	payments := newMockPaymentStore(&models.Payment{
		ID: 10, OrderID: 1, Type: models.PaymentTypeDeposit, Amount: 45000,
		Status: models.PaymentStatusCompleted, ProviderSessionID: "sess-done",
	})
	b := newTestBroker(t, &mockOrderStore{order: draftOrder()}, payments, &mockProviderClient{})

	_, err := b.Begin(context.Background(), 1, models.PaymentTypeDeposit, "https://tinglumgard.no/orders/1")
	if !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("Expected ErrAlreadyPaid, got %v", err)
	}
}

func TestBegin_RemainderRequiresDeposit(t *testing.T) {
	payments := newMockPaymentStore()
	b := newTestBroker(t, &mockOrderStore{order: draftOrder()}, payments, &mockProviderClient{})

	_, err := b.Begin(context.Background(), 1, models.PaymentTypeRemainder, "https://tinglumgard.no/orders/1")
	if !errors.Is(err, engine.ErrDepositRequired) {
		t.Fatalf("Expected ErrDepositRequired, got %v", err)
	}
	if len(payments.created) != 0 {
		t.Errorf("Expected no payment created, got %d", len(payments.created))
	}
}

func TestBegin_OrderNotFound(t *testing.T) {
	b := newTestBroker(t, &mockOrderStore{}, newMockPaymentStore(), &mockProviderClient{})

	_, err := b.Begin(context.Background(), 99, models.PaymentTypeDeposit, "https://tinglumgard.no/orders/99")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestBegin_ProviderUnavailable(t *testing.T) {
	payments := newMockPaymentStore()
	client := &mockProviderClient{
		createFunc: func(ctx context.Context, req provider.CreateSessionRequest) (*provider.Session, error) {
			return nil, provider.ErrUnavailable
		},
	}
	b := newTestBroker(t, &mockOrderStore{order: draftOrder()}, payments, client)

	_, err := b.Begin(context.Background(), 1, models.PaymentTypeDeposit, "https://tinglumgard.no/orders/1")
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if len(payments.created) != 0 {
		t.Errorf("No payment row may exist without a session, got %d", len(payments.created))
	}
}

// A remainder retried after an order edit changed the amount gets a fresh
// timestamped idempotency key, so the provider opens a new session at the new
// amount instead of replaying the old one.
func TestBegin_RepricedRemainderGetsFreshKey(t *testing.T) {
	order := draftOrder()
	order.Status = models.OrderStatusDepositPaid
	order.TotalAmount = 100000 // edited up from 90000; remainder is now 55000

	paidAt := order.CreatedAt
	payments := newMockPaymentStore(
		&models.Payment{
			ID: 10, OrderID: 1, Type: models.PaymentTypeDeposit, Amount: 45000,
			Status: models.PaymentStatusCompleted, PaidAt: &paidAt,
		},
		&models.Payment{
			ID: 11, OrderID: 1, Type: models.PaymentTypeRemainder, Amount: 45000,
			Status: models.PaymentStatusFailed,
		},
	)
	b := newTestBroker(t, &mockOrderStore{order: order}, payments, &mockProviderClient{})

	_, err := b.Begin(context.Background(), 1, models.PaymentTypeRemainder, "https://tinglumgard.no/orders/1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if len(payments.created) != 1 {
		t.Fatalf("Expected 1 payment created, got %d", len(payments.created))
	}
	p := payments.created[0]
	if p.Amount != 55000 {
		t.Errorf("Expected re-derived remainder 55000, got %d", p.Amount)
	}
	if !strings.HasPrefix(p.IdempotencyKey, "REMAINDER-EGGS-2026-0007-") {
		t.Errorf("Expected timestamped key, got %s", p.IdempotencyKey)
	}
}
