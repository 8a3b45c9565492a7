package app

import (
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/chargepeer/pkg/log"
)

// NamedFlagSetOptions is implemented by the option set of a binary.
type NamedFlagSetOptions interface {
	// Flags returns the binary's flags grouped by section.
	Flags() cliflag.NamedFlagSets

	// Complete fills in defaults that depend on other fields.
	Complete() error

	// Validate checks the options once flags and config are applied.
	Validate() error
}

// LoggerOptions is optionally implemented by option sets that carry logger
// settings. The app initializes the global logger from them.
type LoggerOptions interface {
	LogOptions() *log.Options
}
