package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the YAML file and environment variable loading.

const (
	// DefaultServiceName is the registry name of the data-proxy service.
	DefaultServiceName = "org.anbox.webrtc.IDataProxyService"

	// DefaultRegistryDir is the directory holding service sockets.
	DefaultRegistryDir = "/tmp/oobchan"

	// DefaultTimeout bounds one connect attempt (lookup + transaction).
	DefaultTimeout = 10 * time.Second

	// DefaultRetries is how many extra connect attempts the client makes.
	DefaultRetries = 0

	// DefaultRetryDelay is the initial backoff between connect attempts.
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultMaxRetryDelay caps the backoff between connect attempts.
	DefaultMaxRetryDelay = 10 * time.Second

	// DefaultBufferSize is the size of one channel read.
	DefaultBufferSize = 4096

	// MaxBufferSize bounds --buffer.
	MaxBufferSize = 1 << 20

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout is the SSH gateway connect timeout.
	DefaultConnTimeout = 30 * time.Second
)

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		ServiceName: DefaultServiceName,
		RegistryDir: DefaultRegistryDir,
		Timeout:     DefaultTimeout,
		Retries:     DefaultRetries,
		RetryDelay:  DefaultRetryDelay,
		BufferSize:  DefaultBufferSize,
	}
}
