package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/billie-money/servicing-processor/event"
	"github.com/billie-money/servicing-processor/projection"
	"github.com/billie-money/servicing-processor/projection/projectiontest"
)

// pinNow fixes the handler clock for the duration of the test.
func pinNow(t *testing.T) time.Time {
	t.Helper()
	fixed := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	orig := nowFn
	nowFn = func() time.Time { return fixed }
	t.Cleanup(func() { nowFn = orig })
	return fixed
}

func fp(f float64) *float64 { return &f }

func sp(s string) *string { return &s }

func TestMapAccountStatus(t *testing.T) {
	cases := []struct {
		in      string
		sdk     string
		account string
	}{
		{"PENDING", "PENDING", "active"},
		{"ACTIVE", "ACTIVE", "active"},
		{"SUSPENDED", "SUSPENDED", "in_arrears"},
		{"CLOSED", "CLOSED", "paid_off"},
		{"AccountStatus.SUSPENDED", "SUSPENDED", "in_arrears"},
		{"AccountStatus.ACTIVE", "ACTIVE", "active"},
		{"SOMETHING_NEW", "SOMETHING_NEW", "active"},
	}
	for _, tc := range cases {
		sdk, account := mapAccountStatus(tc.in)
		assert.Equal(t, tc.sdk, sdk, tc.in)
		assert.Equal(t, tc.account, account, tc.in)
	}
}

func TestHandleAccountCreated(t *testing.T) {
	now := pinNow(t)
	db := projectiontest.New()
	custID := primitive.NewObjectID()
	db.Seed(projection.CustomersCollection, bson.M{
		"_id":        custID,
		"customerId": "cust-1",
		"fullName":   "Sarah Chen",
	})

	evt := &event.Event{
		Type: "account.created.v1",
		Account: &event.AccountPayload{
			AccountID:        "acc-1",
			AccountNumber:    "LN-0042",
			CustomerID:       "cust-1",
			Status:           "AccountStatus.PENDING",
			LoanAmount:       fp(1000),
			LoanFee:          fp(50),
			LoanTotalPayable: fp(1050),
			CurrentBalance:   fp(1050),
			OpenedDate:       "2024-03-01",
		},
	}
	require.NoError(t, HandleAccountCreated(context.Background(), db, evt))

	doc := db.FindDoc(projection.LoanAccountsCollection, bson.M{"loanAccountId": "acc-1"})
	require.NotNil(t, doc)
	assert.Equal(t, "LN-0042", doc["accountNumber"])
	assert.Equal(t, custID, doc["customerId"])
	assert.Equal(t, "cust-1", doc["customerIdString"])
	assert.Equal(t, "Sarah Chen", doc["customerName"])
	assert.Equal(t, "active", doc["accountStatus"])
	assert.Equal(t, "PENDING", doc["sdkStatus"])
	assert.Equal(t, now, doc["createdAt"])

	terms := doc["loanTerms"].(bson.M)
	assert.Equal(t, 1000.0, terms["loanAmount"])
	assert.Equal(t, 50.0, terms["loanFee"])
	assert.Equal(t, 1050.0, terms["totalPayable"])
	assert.Equal(t, "2024-03-01", terms["openedDate"])

	balances := doc["balances"].(bson.M)
	assert.Equal(t, 1050.0, balances["currentBalance"])
	assert.Equal(t, 1050.0, balances["totalOutstanding"])
	assert.Equal(t, 0.0, balances["totalPaid"])
}

func TestHandleAccountCreatedWithoutCustomer(t *testing.T) {
	pinNow(t)
	db := projectiontest.New()

	evt := &event.Event{
		Type: "account.created.v1",
		Account: &event.AccountPayload{
			AccountID:  "acc-2",
			CustomerID: "cust-missing",
		},
	}
	require.NoError(t, HandleAccountCreated(context.Background(), db, evt))

	doc := db.FindDoc(projection.LoanAccountsCollection, bson.M{"loanAccountId": "acc-2"})
	require.NotNil(t, doc)
	assert.Nil(t, doc["customerId"])
	assert.Equal(t, "", doc["customerName"])
	// Missing status defaults to pending, which projects as active.
	assert.Equal(t, "PENDING", doc["sdkStatus"])
	assert.Equal(t, "active", doc["accountStatus"])
}

func TestHandleAccountCreatedIdempotent(t *testing.T) {
	pinNow(t)
	db := projectiontest.New()
	evt := &event.Event{
		Type:    "account.created.v1",
		Account: &event.AccountPayload{AccountID: "acc-3", CustomerID: "cust-1"},
	}
	require.NoError(t, HandleAccountCreated(context.Background(), db, evt))
	require.NoError(t, HandleAccountCreated(context.Background(), db, evt))
	assert.Len(t, db.Docs(projection.LoanAccountsCollection), 1)
}

func TestHandleAccountUpdatedBalanceMirror(t *testing.T) {
	pinNow(t)
	db := projectiontest.New()
	db.Seed(projection.LoanAccountsCollection, bson.M{
		"loanAccountId": "acc-1",
		"balances": bson.M{
			"currentBalance":   1050.0,
			"totalOutstanding": 1050.0,
			"totalPaid":        0.0,
		},
		"accountStatus": "active",
	})

	evt := &event.Event{
		Type: "account.updated.v1",
		Account: &event.AccountPayload{
			AccountID:         "acc-1",
			CurrentBalance:    fp(700),
			LastPaymentDate:   "2024-03-14",
			LastPaymentAmount: fp(350),
		},
	}
	require.NoError(t, HandleAccountUpdated(context.Background(), db, evt))

	doc := db.FindDoc(projection.LoanAccountsCollection, bson.M{"loanAccountId": "acc-1"})
	balances := doc["balances"].(bson.M)
	assert.Equal(t, 700.0, balances["currentBalance"])
	assert.Equal(t, 700.0, balances["totalOutstanding"])
	assert.Equal(t, 0.0, balances["totalPaid"])
	lastPayment := doc["lastPayment"].(bson.M)
	assert.Equal(t, "2024-03-14", lastPayment["date"])
	assert.Equal(t, 350.0, lastPayment["amount"])
	// Absent fields stay untouched.
	assert.Equal(t, "active", doc["accountStatus"])
}

func TestHandleAccountStatusChanged(t *testing.T) {
	pinNow(t)
	db := projectiontest.New()
	db.Seed(projection.LoanAccountsCollection, bson.M{
		"loanAccountId": "acc-1",
		"accountStatus": "active",
		"sdkStatus":     "ACTIVE",
	})

	evt := &event.Event{
		Type: "account.status_changed.v1",
		Account: &event.AccountPayload{
			AccountID: "acc-1",
			NewStatus: "AccountStatus.SUSPENDED",
		},
	}
	require.NoError(t, HandleAccountStatusChanged(context.Background(), db, evt))

	doc := db.FindDoc(projection.LoanAccountsCollection, bson.M{"loanAccountId": "acc-1"})
	assert.Equal(t, "in_arrears", doc["accountStatus"])
	assert.Equal(t, "SUSPENDED", doc["sdkStatus"])
}

func TestHandleScheduleCreated(t *testing.T) {
	pinNow(t)
	db := projectiontest.New()
	db.Seed(projection.LoanAccountsCollection, bson.M{"loanAccountId": "acc-1"})

	evt := &event.Event{
		Type: "account.schedule.created.v1",
		Account: &event.AccountPayload{
			AccountID:        "acc-1",
			ScheduleID:       "sched-1",
			NumberOfPayments: 3,
			PaymentFrequency: "FORTNIGHTLY",
			CreatedDate:      "2024-03-01",
			Payments: []event.SchedulePayment{
				{PaymentNumber: 1, DueDate: "2024-03-15", Amount: fp(350)},
				{PaymentNumber: 2, DueDate: "2024-03-29", Amount: fp(350)},
				{PaymentNumber: 3, DueDate: "2024-04-12", Amount: fp(350)},
			},
		},
	}
	require.NoError(t, HandleScheduleCreated(context.Background(), db, evt))

	doc := db.FindDoc(projection.LoanAccountsCollection, bson.M{"loanAccountId": "acc-1"})
	sched := doc["repaymentSchedule"].(bson.M)
	assert.Equal(t, "sched-1", sched["scheduleId"])
	assert.Equal(t, int64(3), sched["numberOfPayments"])
	assert.Equal(t, "FORTNIGHTLY", sched["paymentFrequency"])

	payments := docList(sched["payments"])
	require.Len(t, payments, 3)
	first := payments[0].(bson.M)
	assert.Equal(t, int64(1), first["paymentNumber"])
	assert.Equal(t, "2024-03-15", first["dueDate"])
	assert.Equal(t, 350.0, first["amount"])
	assert.Equal(t, "scheduled", first["status"])
}

func TestHandleScheduleCreatedPreservesSettledPayments(t *testing.T) {
	pinNow(t)
	db := projectiontest.New()
	// A schedule.updated arrived first and left placeholders behind.
	db.Seed(projection.LoanAccountsCollection, bson.M{
		"loanAccountId": "acc-1",
		"repaymentSchedule": bson.M{
			"scheduleId": "sched-1",
			"payments": bson.A{
				bson.M{
					"paymentNumber":        int64(1),
					"dueDate":              nil,
					"amount":               nil,
					"status":               "paid",
					"paidDate":             "2024-03-15",
					"amountPaid":           350.0,
					"amountRemaining":      0.0,
					"linkedTransactionIds": []string{"txn-9"},
				},
				bson.M{
					"paymentNumber": int64(2),
					"dueDate":       nil,
					"amount":        nil,
					"status":        "scheduled",
				},
			},
		},
	})

	evt := &event.Event{
		Type: "account.schedule.created.v1",
		Account: &event.AccountPayload{
			AccountID:        "acc-1",
			ScheduleID:       "sched-1",
			NumberOfPayments: 2,
			Payments: []event.SchedulePayment{
				{PaymentNumber: 1, DueDate: "2024-03-15", Amount: fp(350)},
				{PaymentNumber: 2, DueDate: "2024-03-29", Amount: fp(350)},
			},
		},
	}
	require.NoError(t, HandleScheduleCreated(context.Background(), db, evt))

	doc := db.FindDoc(projection.LoanAccountsCollection, bson.M{"loanAccountId": "acc-1"})
	payments := docList(docMap(doc["repaymentSchedule"])["payments"])
	require.Len(t, payments, 2)

	// Payment 1 keeps its settlement fields and gains schedule details.
	first := payments[0].(bson.M)
	assert.Equal(t, "paid", first["status"])
	assert.Equal(t, "2024-03-15", first["paidDate"])
	assert.Equal(t, 350.0, first["amountPaid"])
	assert.Equal(t, 0.0, first["amountRemaining"])
	assert.Equal(t, []string{"txn-9"}, first["linkedTransactionIds"])
	assert.Equal(t, "2024-03-15", first["dueDate"])
	assert.Equal(t, 350.0, first["amount"])

	// A placeholder still "scheduled" is replaced wholesale.
	second := payments[1].(bson.M)
	assert.Equal(t, "scheduled", second["status"])
	assert.Equal(t, "2024-03-29", second["dueDate"])
	assert.NotContains(t, second, "paidDate")
}

func TestHandleScheduleUpdatedPositional(t *testing.T) {
	pinNow(t)
	db := projectiontest.New()
	db.Seed(projection.LoanAccountsCollection, bson.M{
		"loanAccountId": "acc-1",
		"repaymentSchedule": bson.M{
			"scheduleId": "sched-1",
			"payments": bson.A{
				bson.M{"paymentNumber": int64(1), "dueDate": "2024-03-15", "amount": 350.0, "status": "scheduled"},
				bson.M{"paymentNumber": int64(2), "dueDate": "2024-03-29", "amount": 350.0, "status": "scheduled"},
			},
		},
	})

	evt := &event.Event{
		Type: "account.schedule.updated.v1",
		Account: &event.AccountPayload{
			AccountID:  "acc-1",
			ScheduleID: "sched-1",
			Payments: []event.SchedulePayment{{
				PaymentNumber:        1,
				Status:               "PAID",
				PaidDate:             "2024-03-15",
				AmountPaid:           fp(350),
				AmountRemaining:      fp(0),
				LinkedTransactionIDs: []string{"txn-1"},
				LastUpdated:          "2024-03-15T09:00:00Z",
			}},
		},
	}
	require.NoError(t, HandleScheduleUpdated(context.Background(), db, evt))

	doc := db.FindDoc(projection.LoanAccountsCollection, bson.M{"loanAccountId": "acc-1"})
	payments := docList(docMap(doc["repaymentSchedule"])["payments"])
	first := payments[0].(bson.M)
	assert.Equal(t, "paid", first["status"])
	assert.Equal(t, "2024-03-15", first["paidDate"])
	assert.Equal(t, 350.0, first["amountPaid"])
	assert.Equal(t, 0.0, first["amountRemaining"])
	assert.Equal(t, []string{"txn-1"}, first["linkedTransactionIds"])
	// The schedule details set by schedule.created are untouched.
	assert.Equal(t, "2024-03-15", first["dueDate"])
	assert.Equal(t, 350.0, first["amount"])

	second := payments[1].(bson.M)
	assert.Equal(t, "scheduled", second["status"])
}

func TestHandleScheduleUpdatedCreatesPlaceholder(t *testing.T) {
	now := pinNow(t)
	db := projectiontest.New()

	evt := &event.Event{
		Type: "account.schedule.updated.v1",
		Account: &event.AccountPayload{
			AccountID:  "acc-1",
			ScheduleID: "sched-1",
			Payments: []event.SchedulePayment{{
				PaymentNumber: 2,
				Status:        "MISSED",
				LastUpdated:   "2024-03-30T00:00:00Z",
			}},
		},
	}
	require.NoError(t, HandleScheduleUpdated(context.Background(), db, evt))

	doc := db.FindDoc(projection.LoanAccountsCollection, bson.M{"loanAccountId": "acc-1"})
	require.NotNil(t, doc)
	assert.Equal(t, now, doc["createdAt"])
	sched := doc["repaymentSchedule"].(bson.M)
	assert.Equal(t, "sched-1", sched["scheduleId"])

	payments := docList(sched["payments"])
	require.Len(t, payments, 1)
	placeholder := payments[0].(bson.M)
	assert.Equal(t, int64(2), placeholder["paymentNumber"])
	assert.Equal(t, "missed", placeholder["status"])
	assert.Nil(t, placeholder["dueDate"])
	assert.Nil(t, placeholder["amount"])
	assert.Equal(t, "2024-03-30T00:00:00Z", placeholder["lastUpdated"])
	assert.NotContains(t, placeholder, "paidDate")
}

func TestHandleScheduleUpdatedWithoutPayments(t *testing.T) {
	pinNow(t)
	db := projectiontest.New()
	evt := &event.Event{
		Type:    "account.schedule.updated.v1",
		Account: &event.AccountPayload{AccountID: "acc-1"},
	}
	require.NoError(t, HandleScheduleUpdated(context.Background(), db, evt))
	assert.Empty(t, db.Docs(projection.LoanAccountsCollection))
}
