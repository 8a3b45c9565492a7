package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StoreOptions)(nil)

// StoreOptions selects the durable store backend.
type StoreOptions struct {
	// Driver is "sqlite" or "memory".
	Driver string `json:"driver" mapstructure:"driver"`
	// Path is the SQLite database file.
	Path     string `json:"path" mapstructure:"path"`
	PoolSize int    `json:"pool-size" mapstructure:"pool-size"`
}

func NewStoreOptions() *StoreOptions {
	return &StoreOptions{
		Driver:   "sqlite",
		Path:     "chargepeer.db",
		PoolSize: 8,
	}
}

func (o *StoreOptions) Validate() []error {
	errors := []error{}

	switch o.Driver {
	case "memory":
	case "sqlite":
		if o.Path == "" {
			errors = append(errors, fmt.Errorf("--store.path is required for the sqlite driver"))
		}
		if o.PoolSize <= 0 {
			errors = append(errors, fmt.Errorf("--store.pool-size must be positive, got %d", o.PoolSize))
		}
	default:
		errors = append(errors, fmt.Errorf("--store.driver must be sqlite or memory, got %q", o.Driver))
	}

	return errors
}

func (o *StoreOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Driver, "store.driver", o.Driver, "Durable store backend ('sqlite' or 'memory').")
	fs.StringVar(&o.Path, "store.path", o.Path, "Path of the SQLite database file.")
	fs.IntVar(&o.PoolSize, "store.pool-size", o.PoolSize, "Number of pooled SQLite connections.")
}
