package client

import (
	"context"
	"encoding/json"
)

// Reserved method names served by the remote data layer. To the transport
// they are ordinary paths.
const (
	MethodSQL      = "__sql"
	MethodSQLFirst = "__sqlFirst"
	MethodSQLRun   = "__sqlRun"

	MethodStorageGet    = "__storageGet"
	MethodStoragePut    = "__storagePut"
	MethodStorageDelete = "__storageDelete"
	MethodStorageList   = "__storageList"
	MethodStorageKeys   = "__storageKeys"

	MethodCollectionGet    = "__collectionGet"
	MethodCollectionPut    = "__collectionPut"
	MethodCollectionDelete = "__collectionDelete"
	MethodCollectionHas    = "__collectionHas"
	MethodCollectionFind   = "__collectionFind"
	MethodCollectionCount  = "__collectionCount"
	MethodCollectionList   = "__collectionList"
	MethodCollectionKeys   = "__collectionKeys"
	MethodCollectionClear  = "__collectionClear"
	MethodCollectionNames  = "__collectionNames"
	MethodCollectionStats  = "__collectionStats"

	MethodSchema = "__dbSchema"
)

// SQL returns the SQL handle. Like Storage and Collection it needs a
// transport that is already bound: a lazy client must have completed a call
// first, otherwise the error carries TRANSPORT_NOT_INITIALIZED.
func (c *Client) SQL() (*SQL, error) {
	if _, err := c.resolved(); err != nil {
		return nil, err
	}
	return &SQL{c: c}, nil
}

func (c *Client) Storage() (*Storage, error) {
	if _, err := c.resolved(); err != nil {
		return nil, err
	}
	return &Storage{c: c}, nil
}

func (c *Client) Collection(name string) (*Collection, error) {
	if _, err := c.resolved(); err != nil {
		return nil, err
	}
	return &Collection{c: c, name: name}, nil
}

// CollectionNames lists the remote collections.
func (c *Client) CollectionNames(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, MethodCollectionNames, nil)
}

// Schema fetches the remote database schema document.
func (c *Client) Schema(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, MethodSchema, nil)
}

// SQL sends a query string and its positional parameters.
type SQL struct{ c *Client }

// Query returns every row.
func (s *SQL) Query(ctx context.Context, query string, params ...any) (json.RawMessage, error) {
	return s.c.call(ctx, MethodSQL, []any{query, orEmpty(params)})
}

// First returns the first row or null.
func (s *SQL) First(ctx context.Context, query string, params ...any) (json.RawMessage, error) {
	return s.c.call(ctx, MethodSQLFirst, []any{query, orEmpty(params)})
}

// Run executes a statement and returns its summary.
func (s *SQL) Run(ctx context.Context, query string, params ...any) (json.RawMessage, error) {
	return s.c.call(ctx, MethodSQLRun, []any{query, orEmpty(params)})
}

func orEmpty(params []any) []any {
	if params == nil {
		return []any{}
	}
	return params
}

// Storage is a remote key/value store.
type Storage struct{ c *Client }

func (s *Storage) Get(ctx context.Context, key string) (json.RawMessage, error) {
	return s.c.call(ctx, MethodStorageGet, []any{key})
}

func (s *Storage) Put(ctx context.Context, key string, value any) error {
	_, err := s.c.call(ctx, MethodStoragePut, []any{key, value})
	return err
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	_, err := s.c.call(ctx, MethodStorageDelete, []any{key})
	return err
}

// List returns the entries whose keys start with prefix.
func (s *Storage) List(ctx context.Context, prefix string) (json.RawMessage, error) {
	return s.c.call(ctx, MethodStorageList, []any{prefix})
}

func (s *Storage) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	res, err := s.c.call(ctx, MethodStorageKeys, []any{prefix})
	if err != nil {
		return nil, err
	}
	if err := decode(MethodStorageKeys, res, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// Collection is one remote document collection. The collection name is the
// first argument of every call.
type Collection struct {
	c    *Client
	name string
}

func (col *Collection) Name() string { return col.name }

func (col *Collection) do(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return col.c.call(ctx, method, append([]any{col.name}, args...))
}

func (col *Collection) Get(ctx context.Context, id string) (json.RawMessage, error) {
	return col.do(ctx, MethodCollectionGet, id)
}

func (col *Collection) Put(ctx context.Context, id string, doc any) error {
	_, err := col.do(ctx, MethodCollectionPut, id, doc)
	return err
}

func (col *Collection) Delete(ctx context.Context, id string) error {
	_, err := col.do(ctx, MethodCollectionDelete, id)
	return err
}

func (col *Collection) Has(ctx context.Context, id string) (bool, error) {
	var ok bool
	res, err := col.do(ctx, MethodCollectionHas, id)
	if err != nil {
		return false, err
	}
	if err := decode(MethodCollectionHas, res, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Find returns the documents matching filter; the filter format belongs to
// the remote side.
func (col *Collection) Find(ctx context.Context, filter any) (json.RawMessage, error) {
	return col.do(ctx, MethodCollectionFind, filter)
}

func (col *Collection) Count(ctx context.Context, filter any) (int64, error) {
	var n int64
	res, err := col.do(ctx, MethodCollectionCount, filter)
	if err != nil {
		return 0, err
	}
	if err := decode(MethodCollectionCount, res, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (col *Collection) List(ctx context.Context) (json.RawMessage, error) {
	return col.do(ctx, MethodCollectionList)
}

func (col *Collection) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	res, err := col.do(ctx, MethodCollectionKeys)
	if err != nil {
		return nil, err
	}
	if err := decode(MethodCollectionKeys, res, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (col *Collection) Clear(ctx context.Context) error {
	_, err := col.do(ctx, MethodCollectionClear)
	return err
}

func (col *Collection) Stats(ctx context.Context) (json.RawMessage, error) {
	return col.do(ctx, MethodCollectionStats)
}
