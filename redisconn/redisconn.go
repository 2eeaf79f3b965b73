// Package redisconn constructs the stream-server connection pool shared by
// the producer, consumer, once, and admin components. Connection
// construction is a plain constructor: this package is a library, not a
// process with an Init/Shutdown hook pair bound to a config tree.
package redisconn

import (
	"github.com/mediocregopher/radix/v3"
)

// Opts configures a connection pool.
type Opts struct {
	// Addr is the "host:port" the stream server is listening on.
	//
	// Defaults to "127.0.0.1:6379".
	Addr string

	// PoolSize is the number of connections kept in the pool.
	//
	// Defaults to 4.
	PoolSize int
}

func (o *Opts) fillDefaults() {
	if o.Addr == "" {
		o.Addr = "127.0.0.1:6379"
	}
	if o.PoolSize == 0 {
		o.PoolSize = 4
	}
}

// New dials a new connection pool against a stream server, using the
// given (optional) Opts.
func New(opts Opts) (*radix.Pool, error) {
	opts.fillDefaults()
	return radix.NewPool("tcp", opts.Addr, opts.PoolSize)
}
