package event

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/billie-money/servicing-processor/envelope"
)

func TestParseAccountFamily(t *testing.T) {
	env := envelope.Sanitize(map[string]any{
		"typ":   "account.created.v1",
		"conv":  "C1",
		"cause": "E1",
		"seq":   "2",
		"dat": `{
			"account_id": "ACC1",
			"account_number": "100200",
			"customer_id": "CUS1",
			"status": "ACTIVE",
			"loan_amount": 500,
			"loan_fee": 80,
			"loan_total_payable": 580,
			"current_balance": "580",
			"opened_date": "2024-01-15"
		}`,
	})

	evt := Parse("account.created.v1", env)
	require.Equal(t, "account.created.v1", evt.Type)
	require.Equal(t, "C1", evt.ConversationID)
	require.Equal(t, int64(2), evt.Sequence)
	require.Nil(t, evt.Customer)

	p := evt.Account
	require.NotNil(t, p)
	require.Equal(t, "ACC1", p.AccountID)
	require.Equal(t, "CUS1", p.CustomerID)
	require.Equal(t, "ACTIVE", p.Status)
	require.NotNil(t, p.LoanAmount)
	require.Equal(t, 500.0, *p.LoanAmount)
	require.NotNil(t, p.CurrentBalance)
	require.Equal(t, 580.0, *p.CurrentBalance)
	require.Equal(t, "2024-01-15", p.OpenedDate)
}

func TestParseSchedulePayments(t *testing.T) {
	env := map[string]any{
		"dat": map[string]any{
			"account_id":        "ACC1",
			"schedule_id":       "S1",
			"n_payments":        float64(4),
			"payment_frequency": "fortnightly",
			"created_date":      "2024-01-15",
			"payments": []any{
				map[string]any{"payment_number": float64(1), "due_date": "2024-01-22", "amount": float64(145)},
				map[string]any{
					"payment_number":         float64(2),
					"status":                 "paid",
					"paid_date":              "2024-02-05",
					"amount_paid":            float64(145),
					"amount_remaining":       float64(0),
					"linked_transaction_ids": []any{"TXN-1"},
				},
			},
		},
	}

	evt := Parse("account.schedule.created.v1", env)
	p := evt.Account
	require.NotNil(t, p)
	require.Equal(t, "S1", p.ScheduleID)
	require.Equal(t, int64(4), p.NumberOfPayments)
	require.Len(t, p.Payments, 2)
	require.Equal(t, int64(1), p.Payments[0].PaymentNumber)
	require.Equal(t, "2024-01-22", p.Payments[0].DueDate)
	require.Nil(t, p.Payments[0].AmountPaid)
	require.Equal(t, "paid", p.Payments[1].Status)
	require.NotNil(t, p.Payments[1].AmountRemaining)
	require.Equal(t, 0.0, *p.Payments[1].AmountRemaining)
	require.Equal(t, []string{"TXN-1"}, p.Payments[1].LinkedTransactionIDs)
}

func TestParseCustomerFamilyPartial(t *testing.T) {
	env := map[string]any{
		"conv": "C1",
		"dat": map[string]any{
			"customer_id": "CUS1",
			"first_name":  "John",
			// last_name absent: partial update.
			"residential_address": map[string]any{
				"unit_number":   "2",
				"street_number": "14",
				"street_name":   "High",
				"street_type":   "St",
				"suburb":        "Carlton",
				"state":         "VIC",
				"postcode":      "3053",
			},
		},
	}

	evt := Parse("customer.changed.v1", env)
	require.Nil(t, evt.Account)
	p := evt.Customer
	require.NotNil(t, p)
	require.Equal(t, "CUS1", p.CustomerID)
	require.NotNil(t, p.FirstName)
	require.Equal(t, "John", *p.FirstName)
	require.Nil(t, p.LastName)
	require.Nil(t, p.EkycStatus)
	require.NotNil(t, p.ResidentialAddress)
	require.Equal(t, "Carlton", p.ResidentialAddress.Suburb)
}

func TestParseChatEventsStayRaw(t *testing.T) {
	env := map[string]any{
		"typ":     "user_input",
		"cid":     "C1",
		"payload": map[string]any{"utterance": "hi"},
	}
	evt := Parse("user_input", env)
	require.Nil(t, evt.Account)
	require.Nil(t, evt.Customer)
	require.Equal(t, "C1", evt.ConversationID)
	require.Equal(t, env, evt.Raw)
}

func TestParseWriteOffStaysRaw(t *testing.T) {
	env := map[string]any{"typ": "writeoff.requested.v1", "conv": "R1", "cause": "E1"}
	evt := Parse("writeoff.requested.v1", env)
	require.Nil(t, evt.Account)
	require.Nil(t, evt.Customer)
	require.Equal(t, "R1", evt.ConversationID)
}
