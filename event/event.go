// Package event turns sanitised envelopes into typed domain events.
//
// Payloads are partial by design: producers emit only the fields that
// changed, so every optional field is a pointer (or an empty string for
// free-form text) and handlers check presence explicitly.
package event

// Event is the parsed form of a stream entry. Exactly one of Account or
// Customer is set for the typed families; chat and write-off events are
// consumed through Raw, which always carries the sanitised envelope.
type Event struct {
	// Type is the event type string, e.g. "account.created.v1".
	Type string
	// ConversationID is the workflow correlation id from the envelope.
	ConversationID string
	// Sequence is the envelope sequence within the conversation.
	Sequence int64
	// Account is the typed payload for account.* and payment.* events.
	Account *AccountPayload
	// Customer is the typed payload for customer.* and application.* events.
	Customer *CustomerPayload
	// Raw is the sanitised envelope.
	Raw map[string]any
}

// AccountPayload carries the union of fields used by the account event
// family. Absent numeric fields are nil; absent strings are empty.
type AccountPayload struct {
	AccountID         string
	AccountNumber     string
	CustomerID        string
	Status            string
	NewStatus         string
	LoanAmount        *float64
	LoanFee           *float64
	LoanTotalPayable  *float64
	CurrentBalance    *float64
	OpenedDate        string
	LastPaymentDate   string
	LastPaymentAmount *float64

	ScheduleID       string
	NumberOfPayments int64
	PaymentFrequency string
	CreatedDate      string
	Payments         []SchedulePayment
}

// SchedulePayment is one entry of a repayment schedule, as emitted by
// both schedule.created (due date and amount) and schedule.updated
// (status and settlement fields).
type SchedulePayment struct {
	PaymentNumber        int64
	DueDate              string
	Amount               *float64
	Status               string
	PaidDate             string
	AmountPaid           *float64
	AmountRemaining      *float64
	LinkedTransactionIDs []string
	LastUpdated          string
}

// CustomerPayload carries the fields of customer.* partial updates.
type CustomerPayload struct {
	CustomerID         string
	FirstName          *string
	LastName           *string
	EmailAddress       *string
	MobilePhoneNumber  *string
	DateOfBirth        *string
	EkycStatus         *string
	ResidentialAddress *Address
}

// Address is a structured residential address.
type Address struct {
	StreetNumber string
	StreetName   string
	StreetType   string
	UnitNumber   string
	Suburb       string
	State        string
	Postcode     string
	Country      string
	FullAddress  string
}
