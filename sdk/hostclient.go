package sdk

import (
	"context"
	"encoding/json"
	"time"
)

// HostTransport carries one serialized HostCommand to the gateway and
// returns its serialized HostResult. Inside a compiled handler this wraps
// the host function pointer received via handler_set_host; tests provide
// an in-process function.
type HostTransport func(payload []byte) ([]byte, error)

// HostResolver is the handler-side ProviderResolver. Every provider
// operation becomes a HostCommand round trip through the transport.
type HostResolver struct {
	transport HostTransport
	requestID string
}

// NewHostResolver builds the resolver a compiled handler hands to
// NewContext.
func NewHostResolver(transport HostTransport, requestID string) *HostResolver {
	return &HostResolver{transport: transport, requestID: requestID}
}

// Resolve implements ProviderResolver.
func (r *HostResolver) Resolve(name string, kind ProviderKind) (any, error) {
	c := hostClient{resolver: r, provider: name, kind: kind}
	switch kind {
	case KindDatabase:
		return &hostDatabase{c}, nil
	case KindCache:
		return &hostCache{c}, nil
	case KindStorage:
		return &hostStorage{c}, nil
	case KindEmail:
		return &hostEmail{c}, nil
	case KindFileTransfer:
		return &hostFileTransfer{c}, nil
	}
	return nil, NewBadRequestError("unknown provider kind " + string(kind))
}

type hostClient struct {
	resolver *HostResolver
	provider string
	kind     ProviderKind
}

// call runs one command and decodes its result payload into out.
func (c *hostClient) call(op string, args any, out any) error {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return &ErrorEnvelope{Code: ErrInternalError, Message: err.Error()}
		}
		raw = data
	}
	payload, err := json.Marshal(HostCommand{
		RequestID: c.resolver.requestID,
		Provider:  c.provider,
		Kind:      c.kind,
		Op:        op,
		Args:      raw,
	})
	if err != nil {
		return &ErrorEnvelope{Code: ErrInternalError, Message: err.Error()}
	}

	reply, err := c.resolver.transport(payload)
	if err != nil {
		return &ErrorEnvelope{Code: ErrInternalError, Message: "host transport failed: " + err.Error()}
	}
	var result HostResult
	if err := json.Unmarshal(reply, &result); err != nil {
		return &ErrorEnvelope{Code: ErrInternalError, Message: "malformed host reply: " + err.Error()}
	}
	if result.Error != nil {
		return result.Error
	}
	if out != nil {
		if err := json.Unmarshal(result.Result, out); err != nil {
			return &ErrorEnvelope{Code: ErrInternalError, Message: "malformed host result: " + err.Error()}
		}
	}
	return nil
}

type sqlArgs struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

type hostDatabase struct{ hostClient }

func (d *hostDatabase) Query(_ context.Context, sql string, params ...any) ([]Row, error) {
	var out struct {
		Rows []Row `json:"rows"`
	}
	if err := d.call("query", sqlArgs{sql, params}, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (d *hostDatabase) QueryOne(_ context.Context, sql string, params ...any) (Row, bool, error) {
	var out struct {
		Row   Row  `json:"row"`
		Found bool `json:"found"`
	}
	if err := d.call("query_one", sqlArgs{sql, params}, &out); err != nil {
		return nil, false, err
	}
	return out.Row, out.Found, nil
}

func (d *hostDatabase) Exec(_ context.Context, sql string, params ...any) (int64, error) {
	var out struct {
		RowsAffected int64 `json:"rows_affected"`
	}
	if err := d.call("exec", sqlArgs{sql, params}, &out); err != nil {
		return 0, err
	}
	return out.RowsAffected, nil
}

func (d *hostDatabase) Begin(_ context.Context) (Tx, error) {
	var out struct {
		TxID string `json:"tx_id"`
	}
	if err := d.call("begin", nil, &out); err != nil {
		return nil, err
	}
	return &hostTx{client: d.hostClient, txID: out.TxID}, nil
}

type hostTx struct {
	client hostClient
	txID   string
}

type txArgs struct {
	TxID   string `json:"tx_id"`
	SQL    string `json:"sql,omitempty"`
	Params []any  `json:"params,omitempty"`
}

func (t *hostTx) Query(_ context.Context, sql string, params ...any) ([]Row, error) {
	var out struct {
		Rows []Row `json:"rows"`
	}
	if err := t.client.call("tx_query", txArgs{t.txID, sql, params}, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (t *hostTx) Exec(_ context.Context, sql string, params ...any) (int64, error) {
	var out struct {
		RowsAffected int64 `json:"rows_affected"`
	}
	if err := t.client.call("tx_exec", txArgs{t.txID, sql, params}, &out); err != nil {
		return 0, err
	}
	return out.RowsAffected, nil
}

func (t *hostTx) Commit(_ context.Context) error {
	return t.client.call("tx_commit", txArgs{TxID: t.txID}, nil)
}

func (t *hostTx) Rollback(_ context.Context) error {
	return t.client.call("tx_rollback", txArgs{TxID: t.txID}, nil)
}

type hostCache struct{ hostClient }

func (c *hostCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out struct {
		Value []byte `json:"value"`
		Found bool   `json:"found"`
	}
	if err := c.call("get", map[string]any{"key": key}, &out); err != nil {
		return nil, false, err
	}
	return out.Value, out.Found, nil
}

func (c *hostCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return c.call("set", map[string]any{
		"key": key, "value": value, "ttl_seconds": int64(ttl / time.Second),
	}, nil)
}

func (c *hostCache) Delete(_ context.Context, key string) (bool, error) {
	var out struct {
		Deleted bool `json:"deleted"`
	}
	if err := c.call("delete", map[string]any{"key": key}, &out); err != nil {
		return false, err
	}
	return out.Deleted, nil
}

func (c *hostCache) Increment(_ context.Context, key string, amount int64) (int64, error) {
	var out struct {
		Value int64 `json:"value"`
	}
	if err := c.call("increment", map[string]any{"key": key, "amount": amount}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

type hostStorage struct{ hostClient }

func (s *hostStorage) Put(_ context.Context, key string, data []byte, contentType string) error {
	return s.call("put", map[string]any{
		"key": key, "data": data, "content_type": contentType,
	}, nil)
}

func (s *hostStorage) Get(_ context.Context, key string) ([]byte, error) {
	var out struct {
		Data []byte `json:"data"`
	}
	if err := s.call("get", map[string]any{"key": key}, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (s *hostStorage) Delete(_ context.Context, key string) error {
	return s.call("delete", map[string]any{"key": key}, nil)
}

func (s *hostStorage) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out struct {
		Objects []ObjectInfo `json:"objects"`
	}
	if err := s.call("list", map[string]any{"prefix": prefix}, &out); err != nil {
		return nil, err
	}
	return out.Objects, nil
}

func (s *hostStorage) PresignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := s.call("presigned_url", map[string]any{
		"key": key, "ttl_seconds": int64(ttl / time.Second),
	}, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

type hostEmail struct{ hostClient }

func (e *hostEmail) Send(_ context.Context, from string, to []string, subject, body string, isHTML bool) error {
	return e.call("send", map[string]any{
		"from": from, "to": to, "subject": subject, "body": body, "is_html": isHTML,
	}, nil)
}

type hostFileTransfer struct{ hostClient }

func (f *hostFileTransfer) Put(_ context.Context, path string, data []byte) error {
	return f.call("put", map[string]any{"path": path, "data": data}, nil)
}

func (f *hostFileTransfer) Get(_ context.Context, path string) ([]byte, error) {
	var out struct {
		Data []byte `json:"data"`
	}
	if err := f.call("get", map[string]any{"path": path}, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (f *hostFileTransfer) List(_ context.Context, path string) ([]FileEntry, error) {
	var out struct {
		Entries []FileEntry `json:"entries"`
	}
	if err := f.call("list", map[string]any{"path": path}, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (f *hostFileTransfer) Delete(_ context.Context, path string) error {
	return f.call("delete", map[string]any{"path": path}, nil)
}
