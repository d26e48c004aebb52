package vmx

import "github.com/sirupsen/logrus"

// Option configures the components in this package.
type Option func(*options)

// AddressPolicy vets an address before it is written into a RIP or RSP
// field. It runs after the built-in canonical-address check.
type AddressPolicy func(f Field, addr uint64) error

type options struct {
	log      logrus.FieldLogger
	policy   AddressPolicy
	maxExits int
}

// DefaultMaxExits bounds Engine.Run when no WithMaxExits option is given.
const DefaultMaxExits = 1024

func newOptions(opts []Option) options {
	o := options{
		log:      logrus.StandardLogger(),
		maxExits: DefaultMaxExits,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sends status events to l instead of the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithAddressPolicy installs an extra check on guest and host RIP/RSP
// values, e.g. that the host resume point lies in mapped text.
func WithAddressPolicy(p AddressPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithMaxExits bounds how many exits Engine.Run handles before giving up.
func WithMaxExits(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxExits = n
		}
	}
}
