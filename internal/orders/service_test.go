package orders

import (
	"context"
	"testing"

	"github.com/cmarchant/payhook/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepository struct {
	bySession  map[string]*domain.Order
	byCheckout map[string]*domain.Order
	byIntent   map[string]*domain.Order

	markPaidResult bool
	markPaidErr    error
	markPaidCalls  []string

	refundOutcome RefundOutcome
	refundErr     error
	refundCalls   []ApplyRefundInput
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		bySession:      make(map[string]*domain.Order),
		byCheckout:     make(map[string]*domain.Order),
		byIntent:       make(map[string]*domain.Order),
		markPaidResult: true,
		refundOutcome:  RefundApplied,
	}
}

func (m *mockRepository) GetBySessionID(_ context.Context, id string) (*domain.Order, error) {
	if order, ok := m.bySession[id]; ok {
		return order, nil
	}
	return nil, ErrOrderNotFound
}

func (m *mockRepository) GetByCheckoutSessionID(_ context.Context, id string) (*domain.Order, error) {
	if order, ok := m.byCheckout[id]; ok {
		return order, nil
	}
	return nil, ErrOrderNotFound
}

func (m *mockRepository) GetByPaymentIntentID(_ context.Context, id string) (*domain.Order, error) {
	if order, ok := m.byIntent[id]; ok {
		return order, nil
	}
	return nil, ErrOrderNotFound
}

func (m *mockRepository) MarkPaid(_ context.Context, orderID string) (bool, error) {
	m.markPaidCalls = append(m.markPaidCalls, orderID)
	return m.markPaidResult, m.markPaidErr
}

func (m *mockRepository) ApplyRefund(_ context.Context, input ApplyRefundInput) (RefundOutcome, error) {
	m.refundCalls = append(m.refundCalls, input)
	return m.refundOutcome, m.refundErr
}

func pendingOrder(id string) *domain.Order {
	return &domain.Order{
		ID:            id,
		Status:        domain.OrderStatusPending,
		CustomerEmail: "buyer@example.com",
		AmountTotal:   5000,
	}
}

func TestConfirmPayment_TransitionsBySessionID(t *testing.T) {
	repo := newMockRepository()
	repo.bySession["cs_123"] = pendingOrder("ord-1")
	service := NewService(repo)

	result, err := service.ConfirmPayment(context.Background(), PaymentReference{SessionID: "cs_123"})
	require.NoError(t, err)

	assert.True(t, result.Transitioned)
	assert.Equal(t, "ord-1", result.Order.ID)
	assert.Equal(t, []string{"ord-1"}, repo.markPaidCalls)
}

func TestConfirmPayment_FallsBackToCheckoutSessionID(t *testing.T) {
	repo := newMockRepository()
	repo.byCheckout["chk-9"] = pendingOrder("ord-2")
	service := NewService(repo)

	result, err := service.ConfirmPayment(context.Background(), PaymentReference{
		SessionID:         "cs_unknown",
		CheckoutSessionID: "chk-9",
	})
	require.NoError(t, err)

	assert.True(t, result.Transitioned)
	assert.Equal(t, "ord-2", result.Order.ID)
}

func TestConfirmPayment_ResolvesByPaymentIntent(t *testing.T) {
	repo := newMockRepository()
	repo.byIntent["pi_7"] = pendingOrder("ord-3")
	service := NewService(repo)

	result, err := service.ConfirmPayment(context.Background(), PaymentReference{PaymentIntentID: "pi_7"})
	require.NoError(t, err)

	assert.True(t, result.Transitioned)
}

func TestConfirmPayment_OrderNotFound(t *testing.T) {
	service := NewService(newMockRepository())

	_, err := service.ConfirmPayment(context.Background(), PaymentReference{
		SessionID:       "cs_missing",
		PaymentIntentID: "pi_missing",
	})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestConfirmPayment_AlreadyPaidIsNoOp(t *testing.T) {
	repo := newMockRepository()
	order := pendingOrder("ord-4")
	order.Status = domain.OrderStatusPaid
	repo.bySession["cs_paid"] = order
	service := NewService(repo)

	result, err := service.ConfirmPayment(context.Background(), PaymentReference{SessionID: "cs_paid"})
	require.NoError(t, err)

	assert.False(t, result.Transitioned)
	assert.Empty(t, repo.markPaidCalls, "settled orders must not hit the conditional update")
}

func TestConfirmPayment_ConcurrentWinnerIsNoOp(t *testing.T) {
	repo := newMockRepository()
	repo.bySession["cs_race"] = pendingOrder("ord-5")
	repo.markPaidResult = false
	service := NewService(repo)

	result, err := service.ConfirmPayment(context.Background(), PaymentReference{SessionID: "cs_race"})
	require.NoError(t, err)

	assert.False(t, result.Transitioned)
}

func TestApplyRefund_RecordsRefund(t *testing.T) {
	repo := newMockRepository()
	repo.byIntent["pi_1"] = pendingOrder("ord-6")
	service := NewService(repo)

	result, err := service.ApplyRefund(context.Background(), RefundInput{
		PaymentIntentID: "pi_1",
		RefundToken:     "re_abc",
		Amount:          2500,
		Reason:          "requested_by_customer",
	})
	require.NoError(t, err)

	assert.Equal(t, RefundApplied, result.Outcome)
	require.Len(t, repo.refundCalls, 1)
	assert.Equal(t, ApplyRefundInput{
		OrderID:     "ord-6",
		RefundToken: "re_abc",
		Amount:      2500,
		Reason:      "requested_by_customer",
	}, repo.refundCalls[0])
}

func TestApplyRefund_ReportsAlreadyApplied(t *testing.T) {
	repo := newMockRepository()
	repo.byIntent["pi_2"] = pendingOrder("ord-7")
	repo.refundOutcome = RefundAlreadyApplied
	service := NewService(repo)

	result, err := service.ApplyRefund(context.Background(), RefundInput{
		PaymentIntentID: "pi_2",
		RefundToken:     "re_dup",
		Amount:          100,
	})
	require.NoError(t, err)

	assert.Equal(t, RefundAlreadyApplied, result.Outcome)
}

func TestApplyRefund_ValidatesInput(t *testing.T) {
	service := NewService(newMockRepository())

	_, err := service.ApplyRefund(context.Background(), RefundInput{PaymentIntentID: "pi_3", Amount: 100})
	assert.Error(t, err, "missing refund token")

	_, err = service.ApplyRefund(context.Background(), RefundInput{PaymentIntentID: "pi_3", RefundToken: "re_x", Amount: 0})
	assert.Error(t, err, "non-positive amount")
}

func TestApplyRefund_UnknownPaymentIntent(t *testing.T) {
	service := NewService(newMockRepository())

	_, err := service.ApplyRefund(context.Background(), RefundInput{
		PaymentIntentID: "pi_missing",
		RefundToken:     "re_y",
		Amount:          100,
	})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
