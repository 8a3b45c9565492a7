package topic

import (
	"strings"
)

// Builder constructs MQTT topic strings under a root namespace.
// Pattern: {root}/{segment}/{identifier}
type Builder struct {
	// root is the base namespace for all topics (e.g., "charge/v1").
	root string

	// group, when set, turns filters into shared subscriptions.
	group string
}

// NewTopicBuilder creates a Builder with the specified root namespace.
func NewTopicBuilder(root string) *Builder {
	return &Builder{root: strings.TrimSuffix(root, "/")}
}

// Root returns the namespace the builder was created with.
func (b *Builder) Root() string {
	return b.root
}

// Shared returns a builder whose wildcard filters subscribe through the
// broker's shared subscription group, so that only one member of the group
// receives each message.
// Result: $share/{group}/{root}/...
func (b *Builder) Shared(group string) *Builder {
	return &Builder{root: b.root, group: group}
}

// Build returns the concrete topic for id under segment.
func (b *Builder) Build(segment, id string) string {
	return b.root + "/" + segment + "/" + id
}

// BuildWildcard returns a filter matching every identifier under segment.
// Result: {root}/{segment}/+
func (b *Builder) BuildWildcard(segment string) string {
	t := b.Build(segment, Wildcard)
	if b.group != "" {
		return SharePrefix + b.group + "/" + t
	}
	return t
}

// ID extracts the trailing identifier from a concrete topic built under
// segment. It reports false when the topic does not belong to segment.
func (b *Builder) ID(segment, topic string) (string, bool) {
	prefix := b.root + "/" + segment + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	id := topic[len(prefix):]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
