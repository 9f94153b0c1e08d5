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

// HandleCustomerChanged merges a partial customer update into the
// customers collection. Bound to customer.changed.v1, customer.created.v1
// and customer.updated.v1: producers use all three for the same shape.
//
// Merge semantics: a field is overwritten only when the payload carries
// it; fullName is recomputed from the payload name parts, falling back
// to the stored parts when the update is partial.
func HandleCustomerChanged(ctx context.Context, db projection.DB, evt *event.Event) error {
	p := evt.Customer
	if p == nil || p.CustomerID == "" {
		return fmt.Errorf("customer event: missing customer payload")
	}
	ctx = log.With(ctx, log.KV{K: "customer_id", V: p.CustomerID})

	coll := db.Collection(projection.CustomersCollection)

	var existing bson.M
	err := coll.FindOne(ctx, bson.M{"customerId": p.CustomerID}).Decode(&existing)
	if err != nil && !errors.Is(err, projection.ErrNoDocuments) {
		return fmt.Errorf("load customer: %w", err)
	}

	first := nameOr(p.FirstName, existing, "firstName")
	last := nameOr(p.LastName, existing, "lastName")
	fullName := strings.TrimSpace(first + " " + last)

	now := nowFn()
	set := bson.M{
		"customerId": p.CustomerID,
		"fullName":   fullName,
		"updatedAt":  now,
	}
	for field, v := range map[string]*string{
		"firstName":         p.FirstName,
		"lastName":          p.LastName,
		"emailAddress":      p.EmailAddress,
		"mobilePhoneNumber": p.MobilePhoneNumber,
		"dateOfBirth":       p.DateOfBirth,
		"ekycStatus":        p.EkycStatus,
	} {
		if v != nil {
			set[field] = *v
		}
	}

	if addr := p.ResidentialAddress; addr != nil {
		country := addr.Country
		if country == "" {
			country = "Australia"
		}
		set["residentialAddress"] = bson.M{
			"streetNumber": stringOrNil(addr.StreetNumber),
			"streetName":   stringOrNil(addr.StreetName),
			"streetType":   stringOrNil(addr.StreetType),
			"unitNumber":   stringOrNil(addr.UnitNumber),
			"suburb":       stringOrNil(addr.Suburb),
			"state":        stringOrNil(addr.State),
			"postcode":     stringOrNil(addr.Postcode),
			"country":      country,
			"fullAddress":  stringOrNil(addr.FullAddress),
			// Flat fields kept for older consumers of the projection.
			"street": buildStreet(addr.UnitNumber, addr.StreetNumber, addr.StreetName, addr.StreetType),
			"city":   stringOrNil(addr.Suburb),
		}
	}

	_, err = coll.UpdateOne(ctx,
		bson.M{"customerId": p.CustomerID},
		bson.M{"$set": set, "$setOnInsert": bson.M{"createdAt": now}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "customer upserted"}, log.KV{K: "full_name", V: fullName})
	return nil
}

// HandleCustomerVerified marks the customer identity-verified. No other
// field is touched.
func HandleCustomerVerified(ctx context.Context, db projection.DB, evt *event.Event) error {
	p := evt.Customer
	if p == nil || p.CustomerID == "" {
		return fmt.Errorf("customer.verified.v1: missing customer payload")
	}
	_, err := db.Collection(projection.CustomersCollection).UpdateOne(ctx,
		bson.M{"customerId": p.CustomerID},
		bson.M{"$set": bson.M{
			"identityVerified": true,
			"ekycStatus":       "successful",
			"updatedAt":        nowFn(),
		}})
	if err != nil {
		return fmt.Errorf("verify customer: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "customer verified"}, log.KV{K: "customer_id", V: p.CustomerID})
	return nil
}

// nameOr resolves a name part from the payload, falling back to the
// stored document for partial updates.
func nameOr(v *string, existing bson.M, field string) string {
	if v != nil && *v != "" {
		return *v
	}
	if existing != nil {
		if s, ok := existing[field].(string); ok {
			return s
		}
	}
	return ""
}

// buildStreet renders a single-line street address from components,
// e.g. "Unit 2, 14 High St".
func buildStreet(unit, number, name, streetType string) string {
	var parts []string
	if unit != "" {
		parts = append(parts, "Unit "+unit)
	}
	if number != "" {
		line := number
		if name != "" {
			line += " " + name
		}
		if streetType != "" {
			line += " " + streetType
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, ", ")
}
