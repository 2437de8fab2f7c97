package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Repository is a typed CRUD view over the keys of a Store that share one
// prefix ("device:", "room:"). It keeps no state of its own and never
// caches; every call goes to the store.
//
// There is no secondary index. FindBy is a full scan of the prefix, which is
// fine for household-sized inventories.
type Repository[T any] struct {
	store  Store
	prefix string
	id     func(*T) string
}

// NewRepository returns a repository for records of kind name, stored under
// "name:<identifier>". id extracts the identifier from a record.
func NewRepository[T any](st Store, name string, id func(*T) string) *Repository[T] {
	return &Repository[T]{
		store:  st,
		prefix: name + ":",
		id:     id,
	}
}

// Prefix returns the key prefix including the trailing colon.
func (r *Repository[T]) Prefix() string {
	return r.prefix
}

// FindAll returns every record under the prefix, in the order the store
// lists its keys.
func (r *Repository[T]) FindAll() ([]*T, error) {
	keys, err := r.store.KeysWithPrefix(r.prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.prefix, err)
	}
	out := make([]*T, 0, len(keys))
	for _, k := range keys {
		v, err := r.load(k)
		if errors.Is(err, ErrNotFound) {
			continue // deleted since the listing
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Find returns the record with the given identifier, or ErrNotFound.
func (r *Repository[T]) Find(identifier string) (*T, error) {
	return r.load(r.prefix + identifier)
}

// FindBy returns the records for which match reports true.
func (r *Repository[T]) FindBy(match func(*T) bool) ([]*T, error) {
	all, err := r.FindAll()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(all))
	for _, v := range all {
		if match(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Save writes v under its identifier, replacing any existing record.
func (r *Repository[T]) Save(v *T) error {
	identifier := r.id(v)
	if identifier == "" {
		return fmt.Errorf("save %s: empty identifier", r.prefix)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s%s: %w", r.prefix, identifier, err)
	}
	return r.store.Set(r.prefix+identifier, data)
}

// Delete removes the record. Returns ErrNotFound if it does not exist.
func (r *Repository[T]) Delete(identifier string) error {
	return r.store.Delete(r.prefix + identifier)
}

func (r *Repository[T]) load(key string) (*T, error) {
	data, err := r.store.Get(key)
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}
