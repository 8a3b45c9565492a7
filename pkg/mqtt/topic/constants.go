package topic

// Standard MQTT wildcard definitions.
const (
	// Wildcard is the single-level wildcard "+".
	// It matches exactly one topic level.
	// Example: "charge/v1/ack/+" matches "charge/v1/ack/ev-42".
	Wildcard = "+"

	// MultiWildcard is the multi-level wildcard "#".
	// It matches the current level and all subsequent levels.
	// It must be the last character in the topic filter.
	MultiWildcard = "#"

	// SharePrefix starts an MQTT 5 shared subscription filter.
	SharePrefix = "$share/"
)
