//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/cmarchant/payhook/internal/testutil"
	"github.com/cmarchant/payhook/internal/webhooks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// orderRow is how tests seed and read the orders table directly.
type orderRow struct {
	ID              string
	Status          string
	CustomerEmail   string
	AmountTotal     int64
	AmountRefunded  int64
	SessionID       string
	PaymentIntentID string
	PaidAt          *time.Time
}

// createTestOrder inserts a pending order with fresh correlation ids and
// returns it. The row is removed on cleanup.
func createTestOrder(t *testing.T, amountTotal int64) orderRow {
	t.Helper()

	order := orderRow{
		ID:              uuid.NewString(),
		Status:          "pending",
		CustomerEmail:   fmt.Sprintf("buyer-%s@example.com", uuid.NewString()[:8]),
		AmountTotal:     amountTotal,
		SessionID:       "cs_" + uuid.NewString(),
		PaymentIntentID: "pi_" + uuid.NewString(),
	}

	_, err := testDB.Exec(context.Background(), `
		INSERT INTO orders (id, status, customer_email, ticket_count, amount_total, stripe_session_id, stripe_payment_intent_id)
		VALUES ($1, $2, $3, 1, $4, $5, $6)
	`, order.ID, order.Status, order.CustomerEmail, order.AmountTotal, order.SessionID, order.PaymentIntentID)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = testDB.Exec(context.Background(), `DELETE FROM order_refunds WHERE order_id = $1`, order.ID)
		_, _ = testDB.Exec(context.Background(), `DELETE FROM orders WHERE id = $1`, order.ID)
	})

	return order
}

// getOrder reads the current order row.
func getOrder(t *testing.T, id string) orderRow {
	t.Helper()

	var row orderRow
	err := testDB.QueryRow(context.Background(), `
		SELECT id, status, customer_email, amount_total, amount_refunded, stripe_session_id, stripe_payment_intent_id, paid_at
		FROM orders WHERE id = $1
	`, id).Scan(&row.ID, &row.Status, &row.CustomerEmail, &row.AmountTotal, &row.AmountRefunded, &row.SessionID, &row.PaymentIntentID, &row.PaidAt)
	require.NoError(t, err)
	return row
}

// deliverEvent signs and posts a provider event, returning the response.
func deliverEvent(t *testing.T, eventType string, object map[string]interface{}) *http.Response {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"id":   "evt_" + uuid.NewString(),
		"type": eventType,
		"data": map[string]interface{}{"object": object},
	})
	require.NoError(t, err)

	return deliverSignedBody(t, body, webhooks.Sign(webhookSecret, time.Now(), body))
}

// deliverSignedBody posts raw bytes with the given signature header.
func deliverSignedBody(t *testing.T, body []byte, signature string) *http.Response {
	t.Helper()

	client := newTestClient(t)
	resp, err := client.PostRaw("/webhooks/payments", body, map[string]string{
		webhooks.SignatureHeader: signature,
	})
	require.NoError(t, err)
	return resp
}

// checkoutCompletedObject builds the data.object of a checkout completion
// for the given order.
func checkoutCompletedObject(order orderRow) map[string]interface{} {
	return map[string]interface{}{
		"id":             order.SessionID,
		"payment_intent": order.PaymentIntentID,
	}
}

// chargeRefundedObject builds the data.object of a refund event.
func chargeRefundedObject(order orderRow, refundToken string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"id":             "ch_" + uuid.NewString(),
		"payment_intent": order.PaymentIntentID,
		"refunds": map[string]interface{}{
			"data": []map[string]interface{}{
				{"id": refundToken, "amount": amount, "reason": "requested_by_customer"},
			},
		},
	}
}

// waitForRetryItems polls the webhook retry queue until at least count
// pending items reference the given order.
func waitForRetryItems(t *testing.T, orderID string, count int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var n int
		err := testDB.QueryRow(context.Background(), `
			SELECT COUNT(*) FROM webhook_retry_queue
			WHERE status = 'pending' AND payload->>'order_id' = $1
		`, orderID).Scan(&n)
		require.NoError(t, err)
		if n >= count {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d retry items for order %s", count, orderID)
}

// drainQueue triggers a manual drain via the operator API and returns the
// decoded summary.
func drainQueue(t *testing.T, kind string) map[string]int {
	t.Helper()

	client := newTestClient(t)
	resp, err := client.POST("/api/v1/queues/"+kind+"/drain", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary map[string]int
	testutil.DecodeJSON(t, resp, &summary)
	return summary
}
