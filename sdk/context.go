package sdk

import "time"

// Context is the per-request value handed to handler code. A distinct
// Context is built for every call; the provider resolver inside is a
// shared handle.
type Context struct {
	requestID string
	deadline  time.Time
	providers ProviderResolver
	env       map[string]string
}

// NewContext builds a Context for one request. env is read-only
// environment configuration exposed to handler code.
func NewContext(requestID string, providers ProviderResolver, env map[string]string) *Context {
	return &Context{requestID: requestID, providers: providers, env: env}
}

// WithDeadline returns a copy of c carrying a request-scoped deadline.
func (c *Context) WithDeadline(d time.Time) *Context {
	cp := *c
	cp.deadline = d
	return &cp
}

// RequestID returns the id assigned to this request.
func (c *Context) RequestID() string { return c.requestID }

// Deadline returns the request-scoped deadline, if any.
func (c *Context) Deadline() (time.Time, bool) {
	return c.deadline, !c.deadline.IsZero()
}

// Env returns the named environment configuration value.
func (c *Context) Env(key string) string { return c.env[key] }

// EnvMap returns a copy of the environment configuration.
func (c *Context) EnvMap() map[string]string {
	out := make(map[string]string, len(c.env))
	for k, v := range c.env {
		out[k] = v
	}
	return out
}

func (c *Context) resolve(name string, kind ProviderKind) (any, error) {
	if c.providers == nil {
		return nil, NewProviderNotFoundError(name)
	}
	return c.providers.Resolve(name, kind)
}

// Database returns the named database provider.
func (c *Context) Database(name string) (Database, error) {
	v, err := c.resolve(name, KindDatabase)
	if err != nil {
		return nil, err
	}
	return v.(Database), nil
}

// Cache returns the named cache provider.
func (c *Context) Cache(name string) (Cache, error) {
	v, err := c.resolve(name, KindCache)
	if err != nil {
		return nil, err
	}
	return v.(Cache), nil
}

// Storage returns the named object-storage provider.
func (c *Context) Storage(name string) (Storage, error) {
	v, err := c.resolve(name, KindStorage)
	if err != nil {
		return nil, err
	}
	return v.(Storage), nil
}

// Email returns the named email provider.
func (c *Context) Email(name string) (Email, error) {
	v, err := c.resolve(name, KindEmail)
	if err != nil {
		return nil, err
	}
	return v.(Email), nil
}

// FileTransfer returns the named file-transfer provider.
func (c *Context) FileTransfer(name string) (FileTransfer, error) {
	v, err := c.resolve(name, KindFileTransfer)
	if err != nil {
		return nil, err
	}
	return v.(FileTransfer), nil
}
