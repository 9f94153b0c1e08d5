// Package projectiontest provides an in-memory projection.DB for tests.
//
// It implements the exact update-operator subset the handlers use:
// equality filters (including dotted paths through embedded arrays),
// $set with the positional $ operator, $setOnInsert, $push, $inc, and
// upserts. State is plain bson.M documents so tests assert end state
// instead of call arguments.
package projectiontest

import (
	"context"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/billie-money/servicing-processor/projection"
)

// DB is an in-memory projection store.
type DB struct {
	mu          sync.Mutex
	collections map[string]*collection
}

// New returns an empty in-memory store.
func New() *DB {
	return &DB{collections: make(map[string]*collection)}
}

// Collection implements projection.DB.
func (d *DB) Collection(name string) projection.Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[name]
	if !ok {
		c = &collection{}
		d.collections[name] = c
	}
	return c
}

// Docs returns deep copies of all documents in the named collection, in
// insertion order.
func (d *DB) Docs(name string) []bson.M {
	c := d.Collection(name).(*collection)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bson.M, 0, len(c.docs))
	for _, doc := range c.docs {
		out = append(out, deepCopy(doc).(bson.M))
	}
	return out
}

// FindDoc returns a copy of the first document matching the filter, or
// nil when none matches.
func (d *DB) FindDoc(name string, filter bson.M) bson.M {
	c := d.Collection(name).(*collection)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if m, _ := matches(doc, filter); m {
			return deepCopy(doc).(bson.M)
		}
	}
	return nil
}

// Seed inserts a document directly, bypassing update semantics.
func (d *DB) Seed(name string, doc bson.M) {
	c := d.Collection(name).(*collection)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, deepCopy(doc).(bson.M))
}

type collection struct {
	mu   sync.Mutex
	docs []bson.M
}

type singleResult struct {
	doc bson.M
	err error
}

func (r singleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	target, ok := val.(*bson.M)
	if !ok {
		// Round-trip through BSON so struct targets decode the same
		// way they would against the real driver.
		raw, err := bson.Marshal(r.doc)
		if err != nil {
			return err
		}
		return bson.Unmarshal(raw, val)
	}
	*target = deepCopy(r.doc).(bson.M)
	return nil
}

func (c *collection) FindOne(_ context.Context, filter any) projection.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := toM(filter)
	for _, doc := range c.docs {
		if m, _ := matches(doc, f); m {
			return singleResult{doc: deepCopy(doc).(bson.M)}
		}
	}
	return singleResult{err: mongodriver.ErrNoDocuments}
}

func (c *collection) UpdateOne(_ context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := toM(filter)
	u := toM(update)
	upsert := false
	for _, o := range opts {
		if o != nil && o.Upsert != nil && *o.Upsert {
			upsert = true
		}
	}

	for _, doc := range c.docs {
		if ok, positions := matches(doc, f); ok {
			applyUpdate(doc, u, positions, false)
			return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}

	if !upsert {
		return &mongodriver.UpdateResult{}, nil
	}

	doc := bson.M{"_id": primitive.NewObjectID()}
	for k, v := range f {
		if !strings.HasPrefix(k, "$") {
			setPath(doc, k, deepCopy(v), nil)
		}
	}
	applyUpdate(doc, u, nil, true)
	c.docs = append(c.docs, doc)
	return &mongodriver.UpdateResult{UpsertedCount: 1, UpsertedID: doc["_id"]}, nil
}

func (c *collection) InsertOne(_ context.Context, document any) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := toM(document)
	doc = deepCopy(doc).(bson.M)
	if _, ok := doc["_id"]; !ok {
		doc["_id"] = primitive.NewObjectID()
	}
	c.docs = append(c.docs, doc)
	return &mongodriver.InsertOneResult{InsertedID: doc["_id"]}, nil
}

func applyUpdate(doc bson.M, update bson.M, positions map[string]int, inserted bool) {
	if set := toM(update["$set"]); set != nil {
		for k, v := range set {
			setPath(doc, k, deepCopy(v), positions)
		}
	}
	if soi := toM(update["$setOnInsert"]); soi != nil && inserted {
		for k, v := range soi {
			setPath(doc, k, deepCopy(v), positions)
		}
	}
	if push := toM(update["$push"]); push != nil {
		for k, v := range push {
			arr, _ := asList(getPath(doc, k, positions))
			setPath(doc, k, append(arr, deepCopy(v)), positions)
		}
	}
	if inc := toM(update["$inc"]); inc != nil {
		for k, v := range inc {
			cur := getPath(doc, k, positions)
			if isInt(cur) && isInt(v) {
				setPath(doc, k, int64(asFloat(cur))+int64(asFloat(v)), positions)
				continue
			}
			setPath(doc, k, asFloat(cur)+asFloat(v), positions)
		}
	}
}

// matches reports whether the document satisfies the equality filter.
// For dotted paths that traverse an embedded array, any element may
// match; the index of the matching element is recorded per array path
// so $set can resolve the positional $ operator.
func matches(doc bson.M, filter bson.M) (bool, map[string]int) {
	positions := make(map[string]int)
	for k, want := range filter {
		if !matchPath(doc, strings.Split(k, "."), "", want, positions) {
			return false, nil
		}
	}
	return true, positions
}

func matchPath(v any, segments []string, arrayPath string, want any, positions map[string]int) bool {
	if len(segments) == 0 {
		return equalValues(v, want)
	}
	switch cur := v.(type) {
	case bson.M:
		next, ok := cur[segments[0]]
		if !ok {
			return false
		}
		path := segments[0]
		if arrayPath != "" {
			path = arrayPath + "." + segments[0]
		}
		return matchPath(next, segments[1:], path, want, positions)
	case map[string]any:
		return matchPath(bson.M(cur), segments, arrayPath, want, positions)
	case []any:
		for i, elem := range cur {
			if matchPath(elem, segments, arrayPath, want, positions) {
				positions[arrayPath] = i
				return true
			}
		}
		return false
	case bson.A:
		return matchPath([]any(cur), segments, arrayPath, want, positions)
	default:
		return false
	}
}

// setPath writes a value at a dotted path, creating intermediate maps.
// A "$" segment indexes the array element recorded for the preceding
// path during filter matching.
func setPath(doc bson.M, path string, val any, positions map[string]int) {
	segments := strings.Split(path, ".")
	var cur any = doc
	for i := 0; i < len(segments)-1; i++ {
		seg := segments[i]
		if segments[i+1] == "$" {
			arrPath := strings.Join(segments[:i+1], ".")
			m := cur.(bson.M)
			arr, _ := asList(m[seg])
			idx := positions[arrPath]
			if idx >= len(arr) {
				return
			}
			elem, ok := arr[idx].(bson.M)
			if !ok {
				if em, isMap := arr[idx].(map[string]any); isMap {
					elem = bson.M(em)
					arr[idx] = elem
				} else {
					return
				}
			}
			cur = elem
			i++ // consume the "$" segment
			continue
		}
		m := cur.(bson.M)
		next, ok := m[seg].(bson.M)
		if !ok {
			if nm, isMap := m[seg].(map[string]any); isMap {
				next = bson.M(nm)
			} else {
				next = bson.M{}
			}
			m[seg] = next
		}
		cur = next
	}
	cur.(bson.M)[segments[len(segments)-1]] = val
}

func getPath(doc bson.M, path string, positions map[string]int) any {
	segments := strings.Split(path, ".")
	var cur any = doc
	for i := 0; i < len(segments); i++ {
		seg := segments[i]
		if seg == "$" {
			arrPath := strings.Join(segments[:i], ".")
			arr, _ := asList(cur)
			idx := positions[arrPath]
			if idx >= len(arr) {
				return nil
			}
			cur = arr[idx]
			continue
		}
		switch m := cur.(type) {
		case bson.M:
			cur = m[seg]
		case map[string]any:
			cur = m[seg]
		default:
			return nil
		}
	}
	return cur
}

func equalValues(a, b any) bool {
	if af, bf := asFloatOK(a), asFloatOK(b); af != nil && bf != nil {
		return *af == *bf
	}
	return a == b
}

func asList(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case bson.A:
		return []any(s), true
	default:
		return nil, false
	}
}

func isInt(v any) bool {
	switch v.(type) {
	case int, int32, int64:
		return true
	default:
		return false
	}
}

func asFloat(v any) float64 {
	if f := asFloatOK(v); f != nil {
		return *f
	}
	return 0
}

func asFloatOK(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	default:
		return nil
	}
	return &f
}

func toM(v any) bson.M {
	switch m := v.(type) {
	case bson.M:
		return m
	case map[string]any:
		return bson.M(m)
	default:
		return nil
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	case bson.A:
		return deepCopy([]any(t))
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
