package jsonbase

import (
	"context"
	"encoding/json"
)

// Collection provides a typed view over one collection. T is marshaled
// through JSON on the way in and out, so any struct with json tags works.
// The generated id/uid fields surface on T when it declares them.
type Collection[T any] struct {
	db   *DB
	name string
}

// NewCollection binds a typed view to a collection name
func NewCollection[T any](db *DB, name string) *Collection[T] {
	return &Collection[T]{db: db, name: name}
}

// Name returns the underlying collection name
func (c *Collection[T]) Name() string {
	return c.name
}

// Insert stores a new value and returns it with generated keys applied
func (c *Collection[T]) Insert(ctx context.Context, value T) (T, error) {
	var zero T
	record, err := toRecord(value)
	if err != nil {
		return zero, err
	}
	stored, err := c.db.Insert(ctx, c.name, record)
	if err != nil {
		return zero, err
	}
	return fromRecord[T](stored)
}

// All returns every value in the collection
func (c *Collection[T]) All(ctx context.Context) ([]T, error) {
	return c.Find(ctx, nil)
}

// Find returns the values matching every supplied filter exactly
func (c *Collection[T]) Find(ctx context.Context, filters map[string]interface{}) ([]T, error) {
	records, err := c.db.Find(ctx, c.name, filters)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, r := range records {
		v, err := fromRecord[T](r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FindByID returns the value whose id or uid equals key.
// found is false when no record matches.
func (c *Collection[T]) FindByID(ctx context.Context, key string) (value T, found bool, err error) {
	record, err := c.db.FindByID(ctx, c.name, key)
	if err != nil || record == nil {
		return value, false, err
	}
	value, err = fromRecord[T](record)
	return value, err == nil, err
}

// Update merges the given fields into the record matching key
func (c *Collection[T]) Update(ctx context.Context, key string, fields map[string]interface{}) (T, error) {
	var zero T
	updated, err := c.db.Update(ctx, c.name, key, Record(fields))
	if err != nil {
		return zero, err
	}
	return fromRecord[T](updated)
}

// Delete removes the record matching key
func (c *Collection[T]) Delete(ctx context.Context, key string) error {
	return c.db.Delete(ctx, c.name, key)
}

// Subscribe delivers the typed record set after every refresh.
// Values that fail to decode are skipped.
func (c *Collection[T]) Subscribe(fn func(values []T)) func() {
	return c.db.Subscribe(c.name, func(records []Record) {
		out := make([]T, 0, len(records))
		for _, r := range records {
			v, err := fromRecord[T](r)
			if err != nil {
				continue
			}
			out = append(out, v)
		}
		fn(out)
	})
}

func toRecord(value interface{}) (Record, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"cause": err.Error(),
		})
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"cause": err.Error(),
		})
	}
	if record == nil {
		record = Record{}
	}
	return record, nil
}

func fromRecord[T any](record Record) (T, error) {
	var value T
	data, err := json.Marshal(record)
	if err != nil {
		return value, WithContext(ErrInvalidData, map[string]interface{}{
			"cause": err.Error(),
		})
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, WithContext(ErrInvalidData, map[string]interface{}{
			"cause": err.Error(),
		})
	}
	return value, nil
}
