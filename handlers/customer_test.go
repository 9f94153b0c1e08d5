package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/billie-money/servicing-processor/event"
	"github.com/billie-money/servicing-processor/projection"
	"github.com/billie-money/servicing-processor/projection/projectiontest"
)

func TestHandleCustomerChangedInsert(t *testing.T) {
	now := pinNow(t)
	db := projectiontest.New()

	evt := &event.Event{
		Type: "customer.created.v1",
		Customer: &event.CustomerPayload{
			CustomerID:        "cust-1",
			FirstName:         sp("Sarah"),
			LastName:          sp("Chen"),
			EmailAddress:      sp("sarah@example.com"),
			MobilePhoneNumber: sp("+61400000000"),
			DateOfBirth:       sp("1990-05-20"),
			EkycStatus:        sp("pending"),
			ResidentialAddress: &event.Address{
				UnitNumber:   "2",
				StreetNumber: "14",
				StreetName:   "High",
				StreetType:   "St",
				Suburb:       "Richmond",
				State:        "VIC",
				Postcode:     "3121",
				FullAddress:  "Unit 2, 14 High St, Richmond VIC 3121",
			},
		},
	}
	require.NoError(t, HandleCustomerChanged(context.Background(), db, evt))

	doc := db.FindDoc(projection.CustomersCollection, bson.M{"customerId": "cust-1"})
	require.NotNil(t, doc)
	assert.Equal(t, "Sarah Chen", doc["fullName"])
	assert.Equal(t, "Sarah", doc["firstName"])
	assert.Equal(t, "Chen", doc["lastName"])
	assert.Equal(t, "sarah@example.com", doc["emailAddress"])
	assert.Equal(t, "pending", doc["ekycStatus"])
	assert.Equal(t, now, doc["createdAt"])

	addr := doc["residentialAddress"].(bson.M)
	assert.Equal(t, "Unit 2, 14 High St", addr["street"])
	assert.Equal(t, "Richmond", addr["suburb"])
	assert.Equal(t, "Richmond", addr["city"])
	assert.Equal(t, "Australia", addr["country"])
	assert.Equal(t, "3121", addr["postcode"])
}

func TestHandleCustomerChangedPartialMerge(t *testing.T) {
	pinNow(t)
	db := projectiontest.New()
	db.Seed(projection.CustomersCollection, bson.M{
		"customerId":   "cust-1",
		"firstName":    "Sarah",
		"lastName":     "Chen",
		"fullName":     "Sarah Chen",
		"emailAddress": "old@example.com",
	})

	// Partial update: only the email changes. Names fall back to the
	// stored document when rebuilding fullName.
	evt := &event.Event{
		Type: "customer.updated.v1",
		Customer: &event.CustomerPayload{
			CustomerID:   "cust-1",
			EmailAddress: sp("new@example.com"),
		},
	}
	require.NoError(t, HandleCustomerChanged(context.Background(), db, evt))

	doc := db.FindDoc(projection.CustomersCollection, bson.M{"customerId": "cust-1"})
	assert.Equal(t, "new@example.com", doc["emailAddress"])
	assert.Equal(t, "Sarah Chen", doc["fullName"])
	assert.Equal(t, "Sarah", doc["firstName"])
	assert.Equal(t, "Chen", doc["lastName"])
	assert.Len(t, db.Docs(projection.CustomersCollection), 1)
}

func TestHandleCustomerChangedNameChange(t *testing.T) {
	pinNow(t)
	db := projectiontest.New()
	db.Seed(projection.CustomersCollection, bson.M{
		"customerId": "cust-1",
		"firstName":  "Sarah",
		"lastName":   "Chen",
		"fullName":   "Sarah Chen",
	})

	evt := &event.Event{
		Type: "customer.changed.v1",
		Customer: &event.CustomerPayload{
			CustomerID: "cust-1",
			LastName:   sp("Nguyen"),
		},
	}
	require.NoError(t, HandleCustomerChanged(context.Background(), db, evt))

	doc := db.FindDoc(projection.CustomersCollection, bson.M{"customerId": "cust-1"})
	assert.Equal(t, "Sarah Nguyen", doc["fullName"])
	assert.Equal(t, "Nguyen", doc["lastName"])
}

func TestHandleCustomerChangedMissingPayload(t *testing.T) {
	db := projectiontest.New()
	err := HandleCustomerChanged(context.Background(), db, &event.Event{Type: "customer.changed.v1"})
	assert.Error(t, err)
}

func TestHandleCustomerVerified(t *testing.T) {
	pinNow(t)
	db := projectiontest.New()
	db.Seed(projection.CustomersCollection, bson.M{
		"customerId": "cust-1",
		"fullName":   "Sarah Chen",
		"ekycStatus": "pending",
	})

	evt := &event.Event{
		Type:     "customer.verified.v1",
		Customer: &event.CustomerPayload{CustomerID: "cust-1"},
	}
	require.NoError(t, HandleCustomerVerified(context.Background(), db, evt))

	doc := db.FindDoc(projection.CustomersCollection, bson.M{"customerId": "cust-1"})
	assert.Equal(t, true, doc["identityVerified"])
	assert.Equal(t, "successful", doc["ekycStatus"])
	assert.Equal(t, "Sarah Chen", doc["fullName"])
}
