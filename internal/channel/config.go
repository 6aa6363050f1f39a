package channel

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/MrWong99/parley/internal/errs"
)

// Role identifies which remote service a channel talks to.
type Role string

const (
	RoleTranscription Role = "transcription"
	RoleAgent         Role = "agent"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleTranscription || r == RoleAgent
}

// Default connection parameters.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultKeepAlive      = 8 * time.Second
	DefaultMaxReconnects  = 5
	DefaultBackoff        = 500 * time.Millisecond
	DefaultMaxBackoff     = 15 * time.Second
	DefaultReadLimit      = 1 << 20
)

// Config describes one endpoint. It is immutable once passed to [New].
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Token is sent as "Authorization: Token <Token>" on the upgrade request.
	Token string

	// Role selects the service this channel talks to.
	Role Role

	// Params are appended to the URL query (model, sample_rate, encoding,
	// feature flags). Existing query values in URL are kept.
	Params map[string]string

	// ConnectTimeout bounds one dial. Default: 10s.
	ConnectTimeout time.Duration

	// KeepAlive is the interval between keepalive messages. Zero selects the
	// default of 8s; a negative value disables keepalives.
	KeepAlive time.Duration

	// KeepAliveMessage is marshalled to JSON and sent every KeepAlive
	// interval. Nil disables keepalives.
	KeepAliveMessage any

	// MaxReconnects is the number of automatic redial attempts after an
	// unexpected close. Zero selects the default of 5; negative disables
	// reconnection.
	MaxReconnects int

	// Backoff is the delay before the first redial. Doubles per attempt up to
	// MaxBackoff. Defaults: 500ms and 15s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// ReadLimit is the largest accepted inbound message in bytes.
	// Default: 1 MiB.
	ReadLimit int64
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	return c
}

// Validate checks that the endpoint and role are usable. Problems are
// reported as joined *errs.ConfigurationError values.
func (c Config) Validate() error {
	var errList []error
	if !c.Role.IsValid() {
		errList = append(errList, &errs.ConfigurationError{
			Field: "role", Err: fmt.Errorf("unknown role %q", c.Role),
		})
	}
	if c.URL == "" {
		errList = append(errList, &errs.ConfigurationError{
			Field: "url", Err: errors.New("is required"),
		})
	} else if u, err := url.Parse(c.URL); err != nil {
		errList = append(errList, &errs.ConfigurationError{Field: "url", Err: err})
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errList = append(errList, &errs.ConfigurationError{
			Field: "url", Err: fmt.Errorf("scheme %q is not ws or wss", u.Scheme),
		})
	}
	return errors.Join(errList...)
}

// buildURL merges Params into the endpoint query.
func (c Config) buildURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("channel: parse url: %w", err)
	}
	if len(c.Params) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for k, v := range c.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
