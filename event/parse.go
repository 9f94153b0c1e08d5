package event

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/billie-money/servicing-processor/envelope"
)

// Parse builds an Event from a sanitised envelope. The decoder is
// selected by event-type prefix: account.* and payment.* produce an
// account payload, customer.* and application.* a customer payload,
// and everything else (chat and write-off events) is passed through as
// a raw map.
func Parse(eventType string, env map[string]any) *Event {
	evt := &Event{
		Type:           eventType,
		ConversationID: conversationID(env),
		Sequence:       envelope.Seq(env, "seq"),
		Raw:            env,
	}

	switch {
	case strings.HasPrefix(eventType, "account.") || strings.HasPrefix(eventType, "payment."):
		evt.Account = decodeAccount(body(env))
	case strings.HasPrefix(eventType, "customer.") || strings.HasPrefix(eventType, "application."):
		evt.Customer = decodeCustomer(body(env))
	}
	return evt
}

// body returns the event payload map: the decoded "dat" or "payload"
// field when present, else the envelope itself (some producers flatten
// payload fields into the envelope).
func body(env map[string]any) map[string]any {
	for _, key := range []string{"dat", "payload"} {
		if m := AsMap(env[key]); m != nil {
			return m
		}
	}
	return env
}

func conversationID(env map[string]any) string {
	for _, key := range []string{"conv", "cid", "conversation_id"} {
		if s := AsString(env[key]); s != "" {
			return s
		}
	}
	return ""
}

func decodeAccount(m map[string]any) *AccountPayload {
	p := &AccountPayload{
		AccountID:         AsString(m["account_id"]),
		AccountNumber:     AsString(m["account_number"]),
		CustomerID:        AsString(m["customer_id"]),
		Status:            AsString(m["status"]),
		NewStatus:         AsString(m["new_status"]),
		LoanAmount:        AsFloat(m["loan_amount"]),
		LoanFee:           AsFloat(m["loan_fee"]),
		LoanTotalPayable:  AsFloat(m["loan_total_payable"]),
		CurrentBalance:    AsFloat(m["current_balance"]),
		OpenedDate:        AsString(m["opened_date"]),
		LastPaymentDate:   AsString(m["last_payment_date"]),
		LastPaymentAmount: AsFloat(m["last_payment_amount"]),
		ScheduleID:        AsString(m["schedule_id"]),
		NumberOfPayments:  AsInt(m["n_payments"]),
		PaymentFrequency:  AsString(m["payment_frequency"]),
		CreatedDate:       AsString(m["created_date"]),
	}
	for _, raw := range AsSlice(m["payments"]) {
		pm := AsMap(raw)
		if pm == nil {
			continue
		}
		p.Payments = append(p.Payments, SchedulePayment{
			PaymentNumber:        AsInt(pm["payment_number"]),
			DueDate:              AsString(pm["due_date"]),
			Amount:               AsFloat(pm["amount"]),
			Status:               AsString(pm["status"]),
			PaidDate:             AsString(pm["paid_date"]),
			AmountPaid:           AsFloat(pm["amount_paid"]),
			AmountRemaining:      AsFloat(pm["amount_remaining"]),
			LinkedTransactionIDs: AsStrings(pm["linked_transaction_ids"]),
			LastUpdated:          AsString(pm["last_updated"]),
		})
	}
	return p
}

func decodeCustomer(m map[string]any) *CustomerPayload {
	p := &CustomerPayload{
		CustomerID:        AsString(m["customer_id"]),
		FirstName:         AsStringPtr(m["first_name"]),
		LastName:          AsStringPtr(m["last_name"]),
		EmailAddress:      AsStringPtr(m["email_address"]),
		MobilePhoneNumber: AsStringPtr(m["mobile_phone_number"]),
		DateOfBirth:       AsStringPtr(m["date_of_birth"]),
		EkycStatus:        AsStringPtr(m["ekyc_status"]),
	}
	if am := AsMap(m["residential_address"]); am != nil {
		p.ResidentialAddress = &Address{
			StreetNumber: AsString(am["street_number"]),
			StreetName:   AsString(am["street_name"]),
			StreetType:   AsString(am["street_type"]),
			UnitNumber:   AsString(am["unit_number"]),
			Suburb:       AsString(am["suburb"]),
			State:        AsString(am["state"]),
			Postcode:     AsString(am["postcode"]),
			Country:      AsString(am["country"]),
			FullAddress:  AsString(am["full_address"]),
		}
	}
	return p
}

// AsString coerces scalar wire values to a string, returning "" for
// anything that is not string-like.
func AsString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return ""
	}
}

// AsStringPtr distinguishes an absent field (nil) from an empty string.
func AsStringPtr(v any) *string {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

// AsFloat coerces numeric wire values (numbers or numeric strings) to a
// *float64, returning nil when the field is absent or not numeric.
func AsFloat(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

// AsInt coerces numeric wire values to int64, returning 0 when absent.
func AsInt(v any) int64 {
	if f := AsFloat(v); f != nil {
		return int64(*f)
	}
	return 0
}

// AsMap returns the value as a map when it is one, else nil.
func AsMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// AsSlice returns the value as a slice when it is one, else nil.
func AsSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// AsStrings coerces a wire list to a string slice, dropping non-string
// elements. A nil or absent value yields nil.
func AsStrings(v any) []string {
	raw := AsSlice(v)
	if raw == nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s := AsString(e); s != "" {
			out = append(out, s)
		}
	}
	return out
}
