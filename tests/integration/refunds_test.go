//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// refundEmailCount counts pending refund emails addressed to the order's
// customer.
func refundEmailCount(t *testing.T, email string) int {
	t.Helper()

	var n int
	err := testDB.QueryRow(context.Background(), `
		SELECT COUNT(*) FROM email_queue
		WHERE status = 'pending' AND to_email = $1
	`, email).Scan(&n)
	require.NoError(t, err)
	return n
}

func markPaid(t *testing.T, order orderRow) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		`UPDATE orders SET status = 'paid', paid_at = NOW() WHERE id = $1`, order.ID)
	require.NoError(t, err)
}

func TestRefund_AppliedOnceAndEmailQueued(t *testing.T) {
	order := createTestOrder(t, 5000)
	markPaid(t, order)

	token := "re_" + uuid.NewString()
	resp := deliverEvent(t, "charge.refunded", chargeRefundedObject(order, token, 2000))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	updated := getOrder(t, order.ID)
	assert.Equal(t, int64(2000), updated.AmountRefunded)
	assert.Equal(t, 1, refundEmailCount(t, order.CustomerEmail))
}

func TestRefund_DuplicateTokenIsIdempotent(t *testing.T) {
	order := createTestOrder(t, 5000)
	markPaid(t, order)

	token := "re_" + uuid.NewString()
	for i := 0; i < 3; i++ {
		resp := deliverEvent(t, "charge.refunded", chargeRefundedObject(order, token, 2000))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	updated := getOrder(t, order.ID)
	assert.Equal(t, int64(2000), updated.AmountRefunded)

	// One confirmation email, not three.
	assert.Equal(t, 1, refundEmailCount(t, order.CustomerEmail))
}

func TestRefund_DistinctTokensAccumulate(t *testing.T) {
	order := createTestOrder(t, 5000)
	markPaid(t, order)

	for _, amount := range []int64{2000, 3000} {
		resp := deliverEvent(t, "charge.refunded", chargeRefundedObject(order, "re_"+uuid.NewString(), amount))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	updated := getOrder(t, order.ID)
	assert.Equal(t, int64(5000), updated.AmountRefunded)
}

func TestRefund_OverRefundIsRejected(t *testing.T) {
	order := createTestOrder(t, 5000)
	markPaid(t, order)

	resp := deliverEvent(t, "charge.refunded", chargeRefundedObject(order, "re_"+uuid.NewString(), 6000))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	updated := getOrder(t, order.ID)
	assert.Equal(t, int64(0), updated.AmountRefunded)
	assert.Equal(t, 0, refundEmailCount(t, order.CustomerEmail))
}

func TestRefund_UnknownPaymentIntentIsAcknowledged(t *testing.T) {
	object := map[string]interface{}{
		"id":             "ch_" + uuid.NewString(),
		"payment_intent": "pi_" + uuid.NewString(),
		"refunds": map[string]interface{}{
			"data": []map[string]interface{}{
				{"id": "re_" + uuid.NewString(), "amount": 1000},
			},
		},
	}

	resp := deliverEvent(t, "charge.refunded", object)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
