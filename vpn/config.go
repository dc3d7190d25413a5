package vpn

import "time"

type config struct {
	salt              string
	deviceName        string
	defaultMTU        int
	probeTimeout      time.Duration
	heartbeatInterval time.Duration
	heartbeatExpiry   time.Duration
	leaseExpiry       time.Duration
}

type Option func(*config)

func configDefaults() Option {
	return func(c *config) {
		c.salt = "meshvpn_secret_salt_v1"
		c.deviceName = "meshvpn0"
		c.defaultMTU = maxTunMTU
		c.probeTimeout = 500 * time.Millisecond
		c.heartbeatInterval = 60 * time.Second
		c.heartbeatExpiry = 180 * time.Second
		c.leaseExpiry = 360 * time.Second
	}
}

// WithSalt sets the application secret mixed into node ID derivation.
func WithSalt(salt string) Option {
	return func(c *config) {
		c.salt = salt
	}
}

// WithDeviceName sets the preferred virtual NIC name hint.
func WithDeviceName(name string) Option {
	return func(c *config) {
		c.deviceName = name
	}
}

// WithDefaultMTU caps the negotiated TUN MTU.
func WithDefaultMTU(mtu int) Option {
	return func(c *config) {
		c.defaultMTU = mtu
	}
}

// WithProbeTimeout sets the probe window length during address negotiation.
func WithProbeTimeout(duration time.Duration) Option {
	return func(c *config) {
		c.probeTimeout = duration
	}
}

// WithHeartbeatInterval sets the liveness beacon period.
func WithHeartbeatInterval(duration time.Duration) Option {
	return func(c *config) {
		c.heartbeatInterval = duration
	}
}

// WithHeartbeatExpiry sets the threshold past which a conflict responder is
// treated as stale during negotiation arbitration. It is deliberately shorter
// than the lease expiry so an address can be reclaimed after a moderate
// silence.
func WithHeartbeatExpiry(duration time.Duration) Option {
	return func(c *config) {
		c.heartbeatExpiry = duration
	}
}

// WithLeaseExpiry sets the threshold past which a silent peer is evicted.
func WithLeaseExpiry(duration time.Duration) Option {
	return func(c *config) {
		c.leaseExpiry = duration
	}
}
