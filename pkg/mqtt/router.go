package mqtt

import (
	"strings"
	"sync"

	"github.com/autopeer-io/chargepeer/pkg/mqtt/topic"
)

type route struct {
	filter  string
	qos     int
	handler MessageHandler
}

// router keeps the registered subscriptions and finds the handlers of an
// incoming topic.
type router struct {
	mu     sync.RWMutex
	routes map[string]route
}

func newRouter() *router {
	return &router{routes: make(map[string]route)}
}

func (r *router) add(filter string, qos int, h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[filter] = route{filter: filter, qos: qos, handler: h}
}

func (r *router) remove(filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, filter)
}

func (r *router) all() []route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]route, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt)
	}
	return out
}

// match returns the handlers whose filter covers name.
func (r *router) match(name string) []MessageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []MessageHandler
	for _, rt := range r.routes {
		if topicsMatch(topicFilter(rt.filter), name) {
			out = append(out, rt.handler)
		}
	}
	return out
}

// topicsMatch reports whether name matches filter, honoring the + and #
// wildcards.
func topicsMatch(filter, name string) bool {
	if filter == name {
		return true
	}
	if !strings.ContainsAny(filter, topic.Wildcard+topic.MultiWildcard) {
		return false
	}

	fp := strings.Split(filter, "/")
	np := strings.Split(name, "/")
	for i, part := range fp {
		switch {
		case part == topic.MultiWildcard:
			return true
		case i >= len(np):
			return false
		case part != topic.Wildcard && part != np[i]:
			return false
		}
	}
	return len(fp) == len(np)
}

// topicFilter strips the $share/{group}/ prefix of a shared subscription.
func topicFilter(filter string) string {
	if rest, ok := strings.CutPrefix(filter, topic.SharePrefix); ok {
		if _, f, ok := strings.Cut(rest, "/"); ok {
			return f
		}
	}
	return filter
}
