package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"goa.design/clue/log"

	"github.com/billie-money/servicing-processor/event"
	"github.com/billie-money/servicing-processor/projection"
)

// Write-off events originate in the CRM and round-trip through the
// stream so the CRM can poll the projection for the outcome. The
// envelope carries the request id in "conv" and the event id in
// "cause".

// requestNumber generates a human-readable write-off request number,
// WO-YYYYMMDDHHMMSS-XXXX.
func requestNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:4]
	return "WO-" + nowFn().Format("20060102150405") + "-" + suffix
}

// HandleWriteOffRequested creates a new write-off request document.
func HandleWriteOffRequested(ctx context.Context, db projection.DB, evt *event.Event) error {
	raw := evt.Raw
	payload := payloadMap(raw)
	requestID := event.AsString(raw["conv"])
	eventID := event.AsString(raw["cause"])
	ctx = log.With(ctx,
		log.KV{K: "request_id", V: requestID},
		log.KV{K: "loan_account_id", V: payload["loanAccountId"]},
	)

	priority := event.AsString(payload["priority"])
	if priority == "" {
		priority = "normal"
	}

	now := nowFn()
	number := requestNumber()
	doc := bson.M{
		"requestId":     requestID,
		"eventId":       eventID,
		"requestNumber": number,

		"loanAccountId": payload["loanAccountId"],
		"customerId":    payload["customerId"],
		"customerName":  event.AsString(payload["customerName"]),
		"accountNumber": event.AsString(payload["accountNumber"]),

		"amount":          payload["amount"],
		"originalBalance": payload["originalBalance"],
		"reason":          payload["reason"],
		"notes":           payload["notes"],
		"priority":        priority,
		"status":          "pending",

		"requestedBy":     payload["requestedBy"],
		"requestedByName": event.AsString(payload["requestedByName"]),
		"requestedAt":     now,

		"createdAt": now,
		"updatedAt": now,
	}

	if _, err := db.Collection(projection.WriteOffRequestsCollection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert write-off request: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "write-off request created"}, log.KV{K: "request_number", V: number})
	return nil
}

// HandleWriteOffApproved records the approval decision on the request.
func HandleWriteOffApproved(ctx context.Context, db projection.DB, evt *event.Event) error {
	raw := evt.Raw
	payload := payloadMap(raw)
	requestID := event.AsString(raw["conv"])
	ctx = log.With(ctx, log.KV{K: "request_id", V: requestID})

	now := nowFn()
	_, err := db.Collection(projection.WriteOffRequestsCollection).UpdateOne(ctx,
		bson.M{"requestId": requestID},
		bson.M{"$set": bson.M{
			"status": "approved",
			"approvalDetails": bson.M{
				"approvedBy":     payload["approvedBy"],
				"approvedByName": event.AsString(payload["approvedByName"]),
				"comment":        event.AsString(payload["comment"]),
				"approvedAt":     now,
			},
			"updatedAt": now,
		}})
	if err != nil {
		return fmt.Errorf("approve write-off request: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "write-off request approved"})
	return nil
}

// HandleWriteOffRejected records the rejection decision on the request.
func HandleWriteOffRejected(ctx context.Context, db projection.DB, evt *event.Event) error {
	raw := evt.Raw
	payload := payloadMap(raw)
	requestID := event.AsString(raw["conv"])
	ctx = log.With(ctx, log.KV{K: "request_id", V: requestID})

	now := nowFn()
	_, err := db.Collection(projection.WriteOffRequestsCollection).UpdateOne(ctx,
		bson.M{"requestId": requestID},
		bson.M{"$set": bson.M{
			"status": "rejected",
			"approvalDetails": bson.M{
				"rejectedBy":     payload["rejectedBy"],
				"rejectedByName": event.AsString(payload["rejectedByName"]),
				"reason":         event.AsString(payload["reason"]),
				"rejectedAt":     now,
			},
			"updatedAt": now,
		}})
	if err != nil {
		return fmt.Errorf("reject write-off request: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "write-off request rejected"})
	return nil
}

// HandleWriteOffCancelled marks the request cancelled.
func HandleWriteOffCancelled(ctx context.Context, db projection.DB, evt *event.Event) error {
	raw := evt.Raw
	payload := payloadMap(raw)
	requestID := event.AsString(raw["conv"])
	ctx = log.With(ctx, log.KV{K: "request_id", V: requestID})

	now := nowFn()
	_, err := db.Collection(projection.WriteOffRequestsCollection).UpdateOne(ctx,
		bson.M{"requestId": requestID},
		bson.M{"$set": bson.M{
			"status": "cancelled",
			"cancellationDetails": bson.M{
				"cancelledBy":     payload["cancelledBy"],
				"cancelledByName": event.AsString(payload["cancelledByName"]),
				"cancelledAt":     now,
			},
			"updatedAt": now,
		}})
	if err != nil {
		return fmt.Errorf("cancel write-off request: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "write-off request cancelled"})
	return nil
}
