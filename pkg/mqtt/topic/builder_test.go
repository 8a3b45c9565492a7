package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilder(t *testing.T) {
	b := NewTopicBuilder("charge/v1/")

	assert.Equal(t, "charge/v1", b.Root())
	assert.Equal(t, "charge/v1/command/ev-1", b.Build("command", "ev-1"))
	assert.Equal(t, "charge/v1/ack/+", b.BuildWildcard("ack"))
	assert.Equal(t, "$share/controllers/charge/v1/ack/+", b.Shared("controllers").BuildWildcard("ack"))

	// Shared only affects filters.
	assert.Equal(t, "charge/v1/ack/ev-1", b.Shared("controllers").Build("ack", "ev-1"))
}

func TestBuilderID(t *testing.T) {
	b := NewTopicBuilder("charge/v1")

	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"charge/v1/ack/ev-1", "ev-1", true},
		{"charge/v1/ack/", "", false},
		{"charge/v1/ack/ev-1/extra", "", false},
		{"charge/v1/schedule/ev-1", "", false},
		{"other/ack/ev-1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := b.ID("ack", tt.topic)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}
