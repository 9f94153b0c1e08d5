package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"github.com/billie-money/servicing-processor/event"
	"github.com/billie-money/servicing-processor/projection"
)

// sdkStatusMap maps upstream account statuses to projection statuses.
// Unknown statuses default to "active" so a new upstream value degrades
// visibly instead of failing the event.
var sdkStatusMap = map[string]string{
	"PENDING":   "active",
	"ACTIVE":    "active",
	"SUSPENDED": "in_arrears",
	"CLOSED":    "paid_off",
}

// mapAccountStatus normalises an SDK status (stripping any enum prefix
// such as "AccountStatus.ACTIVE") and resolves the projection status.
func mapAccountStatus(sdkStatus string) (string, string) {
	if i := strings.LastIndex(sdkStatus, "."); i >= 0 {
		sdkStatus = sdkStatus[i+1:]
	}
	if status, ok := sdkStatusMap[sdkStatus]; ok {
		return sdkStatus, status
	}
	return sdkStatus, "active"
}

// HandleAccountCreated projects account.created.v1 into loan-accounts.
// The customer reference and denormalised name are resolved when the
// customer document already exists; account creation proceeds without
// them otherwise.
func HandleAccountCreated(ctx context.Context, db projection.DB, evt *event.Event) error {
	p := evt.Account
	if p == nil || p.AccountID == "" {
		return fmt.Errorf("account.created.v1: missing account payload")
	}
	ctx = log.With(ctx, log.KV{K: "account_id", V: p.AccountID}, log.KV{K: "customer_id", V: p.CustomerID})

	var customer bson.M
	err := db.Collection(projection.CustomersCollection).
		FindOne(ctx, bson.M{"customerId": p.CustomerID}).Decode(&customer)
	if err != nil && !errors.Is(err, projection.ErrNoDocuments) {
		return fmt.Errorf("resolve customer: %w", err)
	}
	var customerRef any
	customerName := ""
	if customer != nil {
		customerRef = customer["_id"]
		customerName, _ = customer["fullName"].(string)
	}

	sdkStatus := p.Status
	if sdkStatus == "" {
		sdkStatus = "PENDING"
	}
	sdkStatus, accountStatus := mapAccountStatus(sdkStatus)

	now := nowFn()
	doc := bson.M{
		"loanAccountId":    p.AccountID,
		"accountNumber":    p.AccountNumber,
		"customerId":       customerRef,
		"customerIdString": p.CustomerID,
		"customerName":     customerName,
		"loanTerms": bson.M{
			"loanAmount":   floatOrNil(p.LoanAmount),
			"loanFee":      floatOrNil(p.LoanFee),
			"totalPayable": floatOrNil(p.LoanTotalPayable),
			"openedDate":   stringOrNil(p.OpenedDate),
		},
		"balances": bson.M{
			"currentBalance":   floatOr(p.CurrentBalance, 0),
			"totalOutstanding": floatOr(p.CurrentBalance, 0),
			"totalPaid":        0.0,
		},
		"accountStatus": accountStatus,
		"sdkStatus":     sdkStatus,
		"updatedAt":     now,
	}

	_, err = db.Collection(projection.LoanAccountsCollection).UpdateOne(ctx,
		bson.M{"loanAccountId": p.AccountID},
		bson.M{"$set": doc, "$setOnInsert": bson.M{"createdAt": now}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert loan account: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "loan account upserted"}, log.KV{K: "account_status", V: accountStatus})
	return nil
}

// HandleAccountUpdated applies the partial fields of account.updated.v1.
func HandleAccountUpdated(ctx context.Context, db projection.DB, evt *event.Event) error {
	p := evt.Account
	if p == nil || p.AccountID == "" {
		return fmt.Errorf("account.updated.v1: missing account payload")
	}
	ctx = log.With(ctx, log.KV{K: "account_id", V: p.AccountID})

	set := bson.M{"updatedAt": nowFn()}
	if p.CurrentBalance != nil {
		// totalOutstanding mirrors currentBalance while the upstream
		// feed has no separate outstanding figure. Remove the mirror if
		// a dedicated totalOutstanding event is ever added.
		set["balances.currentBalance"] = *p.CurrentBalance
		set["balances.totalOutstanding"] = *p.CurrentBalance
	}
	if p.Status != "" {
		sdkStatus, accountStatus := mapAccountStatus(p.Status)
		set["sdkStatus"] = sdkStatus
		set["accountStatus"] = accountStatus
	}
	if p.LastPaymentDate != "" {
		set["lastPayment.date"] = p.LastPaymentDate
	}
	if p.LastPaymentAmount != nil {
		set["lastPayment.amount"] = *p.LastPaymentAmount
	}

	_, err := db.Collection(projection.LoanAccountsCollection).UpdateOne(ctx,
		bson.M{"loanAccountId": p.AccountID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update loan account: %w", err)
	}
	return nil
}

// HandleAccountStatusChanged re-applies the status mapping for
// account.status_changed.v1, touching only the status fields.
func HandleAccountStatusChanged(ctx context.Context, db projection.DB, evt *event.Event) error {
	p := evt.Account
	if p == nil || p.AccountID == "" {
		return fmt.Errorf("account.status_changed.v1: missing account payload")
	}
	sdkStatus, accountStatus := mapAccountStatus(p.NewStatus)

	_, err := db.Collection(projection.LoanAccountsCollection).UpdateOne(ctx,
		bson.M{"loanAccountId": p.AccountID},
		bson.M{"$set": bson.M{
			"sdkStatus":     sdkStatus,
			"accountStatus": accountStatus,
			"updatedAt":     nowFn(),
		}})
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "account status changed"},
		log.KV{K: "account_id", V: p.AccountID}, log.KV{K: "account_status", V: accountStatus})
	return nil
}

// preservedStatusFields are the settlement fields carried from a
// schedule.updated event that arrived before its schedule.created.
var preservedStatusFields = []string{
	"status", "paidDate", "amountPaid", "amountRemaining", "linkedTransactionIds", "lastUpdated",
}

// HandleScheduleCreated writes the repayment schedule for
// account.schedule.created.v1.
//
// schedule.updated events may arrive first (see HandleScheduleUpdated's
// placeholders), so any existing payment whose status is no longer
// "scheduled" keeps its recorded settlement fields when the full
// schedule is written.
func HandleScheduleCreated(ctx context.Context, db projection.DB, evt *event.Event) error {
	p := evt.Account
	if p == nil || p.AccountID == "" {
		return fmt.Errorf("account.schedule.created.v1: missing account payload")
	}
	ctx = log.With(ctx, log.KV{K: "account_id", V: p.AccountID}, log.KV{K: "schedule_id", V: p.ScheduleID})

	coll := db.Collection(projection.LoanAccountsCollection)

	var existing bson.M
	err := coll.FindOne(ctx, bson.M{"loanAccountId": p.AccountID}).Decode(&existing)
	if err != nil && !errors.Is(err, projection.ErrNoDocuments) {
		return fmt.Errorf("load loan account: %w", err)
	}

	preserved := map[int64]bson.M{}
	if existing != nil {
		for _, raw := range docList(docMap(existing["repaymentSchedule"])["payments"]) {
			pm := docMap(raw)
			if pm == nil {
				continue
			}
			if status, _ := pm["status"].(string); status == "" || status == "scheduled" {
				continue
			}
			kept := bson.M{}
			for _, field := range preservedStatusFields {
				if v, ok := pm[field]; ok {
					kept[field] = v
				}
			}
			preserved[event.AsInt(pm["paymentNumber"])] = kept
		}
	}

	payments := make(bson.A, 0, len(p.Payments))
	for _, pm := range p.Payments {
		doc := bson.M{
			"paymentNumber": pm.PaymentNumber,
			"dueDate":       stringOrNil(pm.DueDate),
			"amount":        floatOr(pm.Amount, 0),
			"status":        "scheduled",
		}
		if kept, ok := preserved[pm.PaymentNumber]; ok {
			for field, v := range kept {
				doc[field] = v
			}
		}
		payments = append(payments, doc)
	}

	_, err = coll.UpdateOne(ctx,
		bson.M{"loanAccountId": p.AccountID},
		bson.M{"$set": bson.M{
			"repaymentSchedule": bson.M{
				"scheduleId":       p.ScheduleID,
				"numberOfPayments": p.NumberOfPayments,
				"paymentFrequency": p.PaymentFrequency,
				"payments":         payments,
				"createdDate":      stringOrNil(p.CreatedDate),
			},
			"updatedAt": nowFn(),
		}})
	if err != nil {
		return fmt.Errorf("write repayment schedule: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "repayment schedule written"},
		log.KV{K: "num_payments", V: len(payments)}, log.KV{K: "preserved", V: len(preserved)})
	return nil
}

// HandleScheduleUpdated applies per-payment status updates from
// account.schedule.updated.v1 using positional array updates. A payment
// that does not exist yet (schedule.created not processed) is recorded
// as a placeholder with null dueDate/amount, to be enriched when the
// schedule arrives.
func HandleScheduleUpdated(ctx context.Context, db projection.DB, evt *event.Event) error {
	p := evt.Account
	if p == nil || p.AccountID == "" {
		return fmt.Errorf("account.schedule.updated.v1: missing account payload")
	}
	if len(p.Payments) == 0 {
		log.Debug(ctx, log.KV{K: "msg", V: "schedule update without payments"},
			log.KV{K: "account_id", V: p.AccountID})
		return nil
	}
	ctx = log.With(ctx, log.KV{K: "account_id", V: p.AccountID})
	coll := db.Collection(projection.LoanAccountsCollection)
	now := nowFn()

	for _, pm := range p.Payments {
		status := strings.ToLower(pm.Status)

		set := bson.M{
			"repaymentSchedule.payments.$.status": status,
			"updatedAt":                           now,
		}
		if pm.PaidDate != "" {
			set["repaymentSchedule.payments.$.paidDate"] = pm.PaidDate
		}
		if pm.AmountPaid != nil {
			set["repaymentSchedule.payments.$.amountPaid"] = *pm.AmountPaid
		}
		if pm.AmountRemaining != nil {
			set["repaymentSchedule.payments.$.amountRemaining"] = *pm.AmountRemaining
		}
		if pm.LinkedTransactionIDs != nil {
			set["repaymentSchedule.payments.$.linkedTransactionIds"] = pm.LinkedTransactionIDs
		}
		if pm.LastUpdated != "" {
			set["repaymentSchedule.payments.$.lastUpdated"] = pm.LastUpdated
		}

		res, err := coll.UpdateOne(ctx,
			bson.M{
				"loanAccountId":                            p.AccountID,
				"repaymentSchedule.payments.paymentNumber": pm.PaymentNumber,
			},
			bson.M{"$set": set})
		if err != nil {
			return fmt.Errorf("update payment %d: %w", pm.PaymentNumber, err)
		}
		if res.MatchedCount > 0 {
			continue
		}

		// Payment not projected yet: push a placeholder so the status
		// survives until schedule.created fills in dueDate and amount.
		placeholder := bson.M{
			"paymentNumber": pm.PaymentNumber,
			"dueDate":       nil,
			"amount":        nil,
			"status":        status,
		}
		if pm.PaidDate != "" {
			placeholder["paidDate"] = pm.PaidDate
		}
		if pm.AmountPaid != nil {
			placeholder["amountPaid"] = *pm.AmountPaid
		}
		if pm.AmountRemaining != nil {
			placeholder["amountRemaining"] = *pm.AmountRemaining
		}
		if pm.LinkedTransactionIDs != nil {
			placeholder["linkedTransactionIds"] = pm.LinkedTransactionIDs
		}
		if pm.LastUpdated != "" {
			placeholder["lastUpdated"] = pm.LastUpdated
		}

		_, err = coll.UpdateOne(ctx,
			bson.M{"loanAccountId": p.AccountID},
			bson.M{
				"$push": bson.M{"repaymentSchedule.payments": placeholder},
				"$set":  bson.M{"updatedAt": now},
				"$setOnInsert": bson.M{
					"createdAt":                    now,
					"repaymentSchedule.scheduleId": p.ScheduleID,
				},
			},
			options.Update().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("push placeholder payment %d: %w", pm.PaymentNumber, err)
		}
		log.Print(ctx, log.KV{K: "msg", V: "placeholder payment created"},
			log.KV{K: "payment_number", V: pm.PaymentNumber}, log.KV{K: "status", V: status})
	}
	return nil
}
