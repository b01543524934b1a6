package drowsynet

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultReadBufferSize is the unframed read chunk size.
const DefaultReadBufferSize = 4096

// Config carries the per-connection engine settings.
// Zero values fall back to the defaults documented on each field.
type Config struct {
	// Framing selects raw chunks or length-prefixed messages.
	Framing Framing `env:"FRAMING" envDefault:"none"`

	// MaxFrameSize bounds framed message bodies. 0 means DefaultMaxFrameSize.
	MaxFrameSize int64 `env:"MAX_FRAME_SIZE" envDefault:"67108864"`

	// ReadBufferSize is the size of one unframed read. 0 means DefaultReadBufferSize.
	ReadBufferSize int `env:"READ_BUFFER_SIZE" envDefault:"4096"`

	// ReadTimeout, when positive, is the read deadline armed before every
	// read. An expired deadline is fatal for the connection.
	ReadTimeout time.Duration `env:"READ_TIMEOUT" envDefault:"0s"`

	// WriteTimeout, when positive, is the write deadline armed before every write.
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"0s"`

	// Executor runs the connection's strand. nil means DefaultExecutor().
	Executor *Executor `env:"-"`

	// Metrics receives connection instrumentation. nil disables it.
	Metrics *Metrics `env:"-"`
}

// DefaultConfig returns an unframed configuration with default sizes.
func DefaultConfig() Config {
	return Config{
		Framing:        FramingNone,
		MaxFrameSize:   DefaultMaxFrameSize,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// LoadConfig reads a Config from environment variables, e.g. with
// env.Options{Prefix: "DROWSY_"} the framing is read from DROWSY_FRAMING.
func LoadConfig(opts env.Options) (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg.normalize(), nil
}

func (c Config) normalize() Config {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Executor == nil {
		c.Executor = DefaultExecutor()
	}
	return c
}
