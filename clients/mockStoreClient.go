package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MockStoreClient is an in-memory StoreClient used by unit tests. Documents
// round-trip through JSON so filtering sees the same shapes the real store
// would. When doBad is set every call fails.
type MockStoreClient struct {
	mu     sync.Mutex
	data   map[string]map[string]map[string]interface{}
	nextID int
	doBad  bool
}

func NewMockStoreClient(doBad bool) *MockStoreClient {
	return &MockStoreClient{
		data:  map[string]map[string]map[string]interface{}{},
		doBad: doBad,
	}
}

func (d *MockStoreClient) Ping(ctx context.Context) error {
	if d.doBad {
		return errors.New("Ping failure")
	}
	return nil
}

func (d *MockStoreClient) Close(ctx context.Context) error { return nil }

func (d *MockStoreClient) GenerateID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return fmt.Sprintf("mock-id-%d", d.nextID)
}

func (d *MockStoreClient) GetByID(ctx context.Context, collection, id string, result interface{}) error {
	if d.doBad {
		return errors.New("GetByID failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, ok := d.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	return decodeDoc(doc, result)
}

func (d *MockStoreClient) GetByField(ctx context.Context, collection, field string, value interface{}, result interface{}) error {
	if d.doBad {
		return errors.New("GetByField failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, doc := range d.data[collection] {
		if docMatches(doc, M{field: value}) {
			return decodeDoc(doc, result)
		}
	}
	return ErrNotFound
}

func (d *MockStoreClient) Find(ctx context.Context, collection string, filter M, opts FindOptions, results interface{}) error {
	if d.doBad {
		return errors.New("Find failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.data[collection]))
	for id := range d.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	matched := []map[string]interface{}{}
	for _, id := range ids {
		if docMatches(d.data[collection][id], filter) {
			matched = append(matched, d.data[collection][id])
		}
	}

	if opts.Sort != "" {
		field, descending := strings.TrimPrefix(opts.Sort, "-"), strings.HasPrefix(opts.Sort, "-")
		sort.SliceStable(matched, func(a, b int) bool {
			less := compareValues(matched[a][field], matched[b][field]) < 0
			if descending {
				return !less
			}
			return less
		})
	}
	if opts.Skip > 0 {
		if opts.Skip >= int64(len(matched)) {
			matched = nil
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && int64(len(matched)) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	return decodeDoc(matched, results)
}

func (d *MockStoreClient) Create(ctx context.Context, collection, id string, doc interface{}) error {
	if d.doBad {
		return errors.New("Create failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.data[collection][id]; exists {
		return errors.New("duplicate key")
	}
	return d.put(collection, id, doc)
}

func (d *MockStoreClient) Update(ctx context.Context, collection, id string, doc interface{}) error {
	if d.doBad {
		return errors.New("Update failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	// Like the mongo replace without upsert, updating a missing document is
	// a silent no-op rather than an insert.
	if _, exists := d.data[collection][id]; !exists {
		return nil
	}
	return d.put(collection, id, doc)
}

func (d *MockStoreClient) ReplaceIf(ctx context.Context, collection, id, field string, equals interface{}, doc interface{}) (bool, error) {
	if d.doBad {
		return false, errors.New("ReplaceIf failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.data[collection][id]
	if !ok || !docMatches(existing, M{field: equals}) {
		return false, nil
	}
	if err := d.put(collection, id, doc); err != nil {
		return false, err
	}
	return true, nil
}

func (d *MockStoreClient) Delete(ctx context.Context, collection, id string) error {
	if d.doBad {
		return errors.New("Delete failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data[collection], id)
	return nil
}

func (d *MockStoreClient) DeleteWhere(ctx context.Context, collection string, filter M) (int64, error) {
	if d.doBad {
		return 0, errors.New("DeleteWhere failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed int64
	for id, doc := range d.data[collection] {
		if docMatches(doc, filter) {
			delete(d.data[collection], id)
			removed++
		}
	}
	return removed, nil
}

// WithTransaction runs fn directly. The mock store offers no rollback; tests
// that need transactional failure inject errors through doBad instead.
func (d *MockStoreClient) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.doBad {
		return errors.New("WithTransaction failure")
	}
	return fn(ctx)
}

// Count returns how many documents a collection holds.
func (d *MockStoreClient) Count(collection string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.data[collection])
}

func (d *MockStoreClient) put(collection, id string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}

	// mirror the mongo store, which keys every document by _id
	m["_id"] = id

	if d.data[collection] == nil {
		d.data[collection] = map[string]map[string]interface{}{}
	}
	d.data[collection][id] = m
	return nil
}

func decodeDoc(doc interface{}, result interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

// docMatches supports equality plus the $lt/$lte/$gt/$gte operators the
// sweeps rely on. Time values compare as RFC 3339 strings, which order the
// same way the instants do.
func docMatches(doc map[string]interface{}, filter M) bool {
	for field, condition := range filter {
		actual := doc[field]
		if ops, ok := condition.(M); ok {
			for op, operand := range ops {
				cmp := compareValues(actual, operand)
				switch op {
				case "$lt":
					if cmp >= 0 {
						return false
					}
				case "$lte":
					if cmp > 0 {
						return false
					}
				case "$gt":
					if cmp <= 0 {
						return false
					}
				case "$gte":
					if cmp < 0 {
						return false
					}
				default:
					return false
				}
			}
			continue
		}
		if compareValues(actual, condition) != 0 {
			return false
		}
	}
	return true
}

func compareValues(a, b interface{}) int {
	av, bv := normalizeValue(a), normalizeValue(b)
	switch x := av.(type) {
	case string:
		if y, ok := bv.(string); ok {
			return strings.Compare(x, y)
		}
	case float64:
		if y, ok := bv.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	case bool:
		if y, ok := bv.(bool); ok && x == y {
			return 0
		}
		return 1
	case nil:
		if bv == nil {
			return 0
		}
	}
	return 1
}

func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return v
	}
}
