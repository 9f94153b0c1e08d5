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

// conversationID resolves the conversation key across the aliases chat
// producers use.
func conversationID(raw map[string]any) string {
	return firstString(raw, "cid", "conv", "conversation_id")
}

// HandleConversationStarted creates (or resets) a conversation record.
// The customerId field holds the customer document _id when the
// customer projection already exists; the raw identifier is kept in
// customerIdString either way.
func HandleConversationStarted(ctx context.Context, db projection.DB, evt *event.Event) error {
	raw := evt.Raw
	convID := conversationID(raw)
	if convID == "" {
		return fmt.Errorf("conversation_started: missing conversation id")
	}
	customerID := firstString(raw, "usr", "user_id")
	appNumber := firstString(raw, "app_number", "application_number")
	if appNumber == "" {
		appNumber = firstString(payloadMap(raw), "application_number")
	}
	ctx = log.With(ctx, log.KV{K: "conversation_id", V: convID}, log.KV{K: "customer_id", V: customerID})

	var customerRef any
	if customerID != "" {
		var customer bson.M
		err := db.Collection(projection.CustomersCollection).
			FindOne(ctx, bson.M{"customerId": customerID}).Decode(&customer)
		switch {
		case err == nil:
			customerRef = customer["_id"]
		case errors.Is(err, projection.ErrNoDocuments):
			// Conversation may start before the customer projection.
		default:
			return fmt.Errorf("look up customer %q: %w", customerID, err)
		}
	}

	now := nowFn()
	doc := bson.M{
		"conversationId":    convID,
		"customerId":        customerRef,
		"customerIdString":  stringOrNil(customerID),
		"applicationNumber": appNumber,
		"status":            "active",
		"startedAt":         valueOr(raw["timestamp"], now),
		"updatedAt":         now,
		"utterances":        bson.A{},
		"assessments":       bson.M{},
		"noticeboard":       bson.A{},
		"version":           int64(1),
	}
	_, err := db.Collection(projection.ConversationsCollection).UpdateOne(ctx,
		bson.M{"conversationId": convID},
		bson.M{"$set": doc, "$setOnInsert": bson.M{"createdAt": now}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "conversation started"})
	return nil
}

// HandleUtterance appends a user_input or assistant_response utterance
// to the conversation transcript.
func HandleUtterance(ctx context.Context, db projection.DB, evt *event.Event) error {
	raw := evt.Raw
	convID := conversationID(raw)
	if convID == "" {
		return fmt.Errorf("%s: missing conversation id", evt.Type)
	}
	ctx = log.With(ctx, log.KV{K: "conversation_id", V: convID})

	username := "assistant"
	if evt.Type == "user_input" {
		username = "customer"
	}

	// Utterance fields come from the payload when present, else from the
	// event itself.
	src := raw
	if p, ok := raw["payload"].(map[string]any); ok {
		src = p
	}

	var prevSeq any
	if v, ok := raw["prev_seq"]; ok && v != nil {
		prevSeq = v
	} else {
		prevSeq = raw["seq"]
	}

	now := nowFn()
	utterance := bson.M{
		"username":        username,
		"utterance":       event.AsString(src["utterance"]),
		"rationale":       src["rationale"],
		"createdAt":       valueOr(src["created_at"], now),
		"answerInputType": src["answer_input_type"],
		"prevSeq":         prevSeq,
		"endConversation": valueOr(src["end_conversation"], false),
		"additionalData":  src["additional_data"],
	}

	if err := ensureConversation(ctx, db, convID, raw); err != nil {
		return err
	}

	_, err := db.Collection(projection.ConversationsCollection).UpdateOne(ctx,
		bson.M{"conversationId": convID},
		bson.M{
			"$push": bson.M{"utterances": utterance},
			"$set": bson.M{
				"updatedAt":         now,
				"lastUtteranceTime": utterance["createdAt"],
			},
			"$inc": bson.M{"version": int64(1)},
		})
	if err != nil {
		return fmt.Errorf("append utterance: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "utterance added"}, log.KV{K: "username", V: username})
	return nil
}

// HandleApplicationDetailChanged records application data on the
// conversation and syncs any embedded customer snapshot into the
// customers collection.
func HandleApplicationDetailChanged(ctx context.Context, db projection.DB, evt *event.Event) error {
	raw := evt.Raw
	convID := conversationID(raw)
	if convID == "" {
		return fmt.Errorf("applicationDetail_changed: missing conversation id")
	}
	ctx = log.With(ctx, log.KV{K: "conversation_id", V: convID})

	if cust, ok := raw["customer"].(map[string]any); ok {
		id := firstString(cust, "customer_id")
		if id == "" {
			id = firstString(raw, "customer_id")
		}
		if id != "" {
			if err := syncCustomer(ctx, db, id, cust); err != nil {
				return err
			}
		}
	}
	payload, hasPayload := raw["payload"].(map[string]any)
	if hasPayload {
		if cust, ok := payload["customer"].(map[string]any); ok {
			if id := firstString(cust, "customer_id", "customerId"); id != "" {
				if err := syncCustomer(ctx, db, id, cust); err != nil {
					return err
				}
			}
		}
	}

	appNumber := firstString(raw, "application_number", "applicationNumber")
	if appNumber == "" && hasPayload {
		appNumber = firstString(payload, "application_number")
	}

	set := bson.M{"updatedAt": nowFn()}
	if appNumber != "" {
		set["applicationNumber"] = appNumber
	}

	// Keep the remaining event fields as an opaque application-data blob.
	appData := bson.M{}
	for k, v := range raw {
		switch k {
		case "typ", "agt", "timestamp", "customer":
		default:
			appData[k] = v
		}
	}
	if len(appData) > 0 {
		set["applicationData"] = appData
	}

	_, err := db.Collection(projection.ConversationsCollection).UpdateOne(ctx,
		bson.M{"conversationId": convID},
		bson.M{"$set": set, "$inc": bson.M{"version": int64(1)}})
	if err != nil {
		return fmt.Errorf("update application details: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "application details updated"})
	return nil
}

var assessmentKeys = map[string]string{
	"identityRisk_assessment":           "identityRisk",
	"serviceability_assessment_results": "serviceability",
	"fraudCheck_assessment":             "fraudCheck",
}

// HandleAssessment stores an assessment result under its slot in the
// conversation's assessments map. Unknown assessment types are dropped
// with a warning rather than retried.
func HandleAssessment(ctx context.Context, db projection.DB, evt *event.Event) error {
	raw := evt.Raw
	convID := conversationID(raw)
	if convID == "" {
		return fmt.Errorf("%s: missing conversation id", evt.Type)
	}
	ctx = log.With(ctx, log.KV{K: "conversation_id", V: convID}, log.KV{K: "event_type", V: evt.Type})

	key, ok := assessmentKeys[evt.Type]
	if !ok {
		log.Warn(ctx, log.KV{K: "msg", V: "unknown assessment type"})
		return nil
	}

	var data any = raw
	if p, ok := raw["payload"]; ok && p != nil {
		data = p
	}

	_, err := db.Collection(projection.ConversationsCollection).UpdateOne(ctx,
		bson.M{"conversationId": convID},
		bson.M{
			"$set": bson.M{
				"assessments." + key: data,
				"updatedAt":          nowFn(),
			},
			"$inc": bson.M{"version": int64(1)},
		})
	if err != nil {
		return fmt.Errorf("store %s assessment: %w", key, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "assessment stored"}, log.KV{K: "assessment", V: key})
	return nil
}

// HandleNoticeboardUpdated appends an agent note to the conversation
// noticeboard. The topic is the part of the agent name after "::".
func HandleNoticeboardUpdated(ctx context.Context, db projection.DB, evt *event.Event) error {
	raw := evt.Raw
	convID := conversationID(raw)
	if convID == "" {
		return fmt.Errorf("noticeboard_updated: missing conversation id")
	}
	ctx = log.With(ctx, log.KV{K: "conversation_id", V: convID})

	agentName := firstString(raw, "agentName", "agent_name")
	if agentName == "" {
		agentName = "unknown"
	}
	topic := agentName
	if i := strings.LastIndex(agentName, "::"); i >= 0 {
		topic = agentName[i+2:]
	}

	now := nowFn()
	entry := bson.M{
		"agentName": agentName,
		"topic":     topic,
		"content":   event.AsString(raw["content"]),
		"timestamp": valueOr(raw["timestamp"], now),
	}

	_, err := db.Collection(projection.ConversationsCollection).UpdateOne(ctx,
		bson.M{"conversationId": convID},
		bson.M{
			"$push": bson.M{"noticeboard": entry},
			"$set":  bson.M{"updatedAt": now},
			"$inc":  bson.M{"version": int64(1)},
		})
	if err != nil {
		return fmt.Errorf("append noticeboard entry: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "noticeboard updated"}, log.KV{K: "agent", V: agentName})
	return nil
}

// HandleFinalDecision closes out the conversation with the decision
// outcome. Unrecognised decisions map to the hard_end status.
func HandleFinalDecision(ctx context.Context, db projection.DB, evt *event.Event) error {
	raw := evt.Raw
	convID := conversationID(raw)
	if convID == "" {
		return fmt.Errorf("final_decision: missing conversation id")
	}
	decision := strings.ToUpper(firstString(raw, "decision", "outcome"))
	ctx = log.With(ctx, log.KV{K: "conversation_id", V: convID}, log.KV{K: "decision", V: decision})

	status := "hard_end"
	switch decision {
	case "APPROVED":
		status = "approved"
	case "DECLINED":
		status = "declined"
	case "REFERRED":
		status = "referred"
	}

	_, err := db.Collection(projection.ConversationsCollection).UpdateOne(ctx,
		bson.M{"conversationId": convID},
		bson.M{
			"$set": bson.M{
				"status":        status,
				"finalDecision": decision,
				"updatedAt":     nowFn(),
			},
			"$inc": bson.M{"version": int64(1)},
		})
	if err != nil {
		return fmt.Errorf("record final decision: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "final decision recorded"}, log.KV{K: "status", V: status})
	return nil
}

// HandleConversationSummary stores the summarised purpose and key facts.
func HandleConversationSummary(ctx context.Context, db projection.DB, evt *event.Event) error {
	raw := evt.Raw
	convID := conversationID(raw)
	if convID == "" {
		return fmt.Errorf("conversation_summary: missing conversation id")
	}
	ctx = log.With(ctx, log.KV{K: "conversation_id", V: convID})

	src := raw
	if p, ok := raw["payload"].(map[string]any); ok {
		src = p
	}
	purpose := event.AsString(src["purpose"])
	facts := bson.A{}
	for _, f := range event.AsSlice(src["facts"]) {
		facts = append(facts, bson.M{"fact": f})
	}

	_, err := db.Collection(projection.ConversationsCollection).UpdateOne(ctx,
		bson.M{"conversationId": convID},
		bson.M{
			"$set": bson.M{
				"purpose":   purpose,
				"facts":     facts,
				"updatedAt": nowFn(),
			},
			"$inc": bson.M{"version": int64(1)},
		})
	if err != nil {
		return fmt.Errorf("store conversation summary: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "summary stored"}, log.KV{K: "facts", V: len(facts)})
	return nil
}

// ensureConversation inserts a minimal conversation document when an
// utterance arrives before conversation_started.
func ensureConversation(ctx context.Context, db projection.DB, convID string, raw map[string]any) error {
	coll := db.Collection(projection.ConversationsCollection)
	err := coll.FindOne(ctx, bson.M{"conversationId": convID}).Decode(&bson.M{})
	if err == nil {
		return nil
	}
	if !errors.Is(err, projection.ErrNoDocuments) {
		return fmt.Errorf("check conversation: %w", err)
	}

	now := nowFn()
	_, err = coll.InsertOne(ctx, bson.M{
		"conversationId":    convID,
		"customerIdString":  stringOrNil(firstString(raw, "usr", "user_id")),
		"applicationNumber": firstString(raw, "app_number", "application_number"),
		"status":            "active",
		"startedAt":         now,
		"createdAt":         now,
		"updatedAt":         now,
		"utterances":        bson.A{},
		"assessments":       bson.M{},
		"noticeboard":       bson.A{},
		"version":           int64(1),
	})
	if err != nil {
		return fmt.Errorf("create conversation stub: %w", err)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "created conversation stub"})
	return nil
}

// syncCustomer merges a customer snapshot embedded in a conversation
// event into the customers projection. Snapshots use snake_case or
// camelCase keys depending on the producer.
func syncCustomer(ctx context.Context, db projection.DB, customerID string, data map[string]any) error {
	ctx = log.With(ctx, log.KV{K: "customer_id", V: customerID})

	first := firstString(data, "first_name", "firstName")
	last := firstString(data, "last_name", "lastName")
	fullName := strings.TrimSpace(first + " " + last)
	if fullName == "" {
		fullName = firstString(data, "full_name", "name")
		if fullName == "" {
			fullName = "Customer " + customerID
		}
	}

	now := nowFn()
	set := bson.M{
		"customerId": customerID,
		"fullName":   fullName,
		"updatedAt":  now,
	}
	if first != "" {
		set["firstName"] = first
	}
	if last != "" {
		set["lastName"] = last
	}
	if v := firstString(data, "preferred_name", "preferredName"); v != "" {
		set["preferredName"] = v
	}
	if v := firstString(data, "email", "email_address", "emailAddress"); v != "" {
		set["emailAddress"] = v
	}
	if v := firstString(data, "phone", "mobile_phone_number", "mobilePhoneNumber"); v != "" {
		set["mobilePhoneNumber"] = v
	}
	if v := firstString(data, "date_of_birth", "dateOfBirth"); v != "" {
		set["dateOfBirth"] = v
	}

	if addr, ok := firstMap(data, "residential_address", "residentialAddress"); ok {
		unit := firstString(addr, "unit_number", "unitNumber")
		number := firstString(addr, "street_number", "streetNumber")
		name := firstString(addr, "street_name", "streetName")
		streetType := firstString(addr, "street_type", "streetType")

		var streetParts []string
		if unit != "" {
			streetParts = append(streetParts, "Unit "+unit)
		}
		for _, p := range []string{number, name, streetType} {
			if p != "" {
				streetParts = append(streetParts, p)
			}
		}
		street := strings.Join(streetParts, " ")
		if street == "" {
			street = firstString(addr, "street")
		}
		country := firstString(addr, "country")
		if country == "" {
			country = "Australia"
		}
		suburb := firstString(addr, "suburb")
		city := firstString(addr, "city")
		if city == "" {
			city = suburb
		}
		set["residentialAddress"] = bson.M{
			"streetNumber": number,
			"streetName":   name,
			"streetType":   streetType,
			"unitNumber":   unit,
			"street":       street,
			"suburb":       suburb,
			"city":         city,
			"state":        firstString(addr, "state"),
			"postcode":     firstString(addr, "postcode"),
			"country":      country,
			"fullAddress":  firstString(addr, "full_address", "fullAddress"),
		}
	}

	_, err := db.Collection(projection.CustomersCollection).UpdateOne(ctx,
		bson.M{"customerId": customerID},
		bson.M{"$set": set, "$setOnInsert": bson.M{"createdAt": now}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("sync customer %q: %w", customerID, err)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "customer synced from conversation"})
	return nil
}

// firstMap returns the first map value among keys.
func firstMap(m map[string]any, keys ...string) (map[string]any, bool) {
	for _, k := range keys {
		if mm, ok := m[k].(map[string]any); ok {
			return mm, true
		}
	}
	return nil, false
}
