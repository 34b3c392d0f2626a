package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryTopics(t *testing.T) {
	assert.Equal(t, []string{"delivery.a.b.c", "delivery.a.b", "delivery.a", "delivery"}, deliveryTopics("a.b.c"))
	assert.Equal(t, []string{"delivery.hello", "delivery"}, deliveryTopics("hello"))
	assert.Equal(t, "delivery", deliveryTopicFor(""))
	assert.Equal(t, "delivery.a.b", deliveryTopicFor("a.b"))
}

func TestRegistry(t *testing.T) {
	r := newRegistry[int]()
	var got []string
	r.subscribe("t", func(v int) { got = append(got, "first") })
	drop := r.subscribe("t", func(v int) { got = append(got, "second") })
	r.subscribe("t", func(v int) { got = append(got, "third") })
	assert.Equal(t, 3, r.count("t"))

	r.emit("t", 1)
	assert.Equal(t, []string{"first", "second", "third"}, got)

	drop()
	drop()
	got = nil
	r.emit("t", 1)
	assert.Equal(t, []string{"first", "third"}, got)

	r.emit("other", 1)
	assert.Len(t, got, 2)

	r.clear()
	assert.Zero(t, r.count("t"))
}

func TestRegistryHandlersMayUnsubscribe(t *testing.T) {
	r := newRegistry[string]()
	calls := 0
	var drop func()
	drop = r.subscribe("t", func(string) {
		calls++
		drop()
	})
	r.emit("t", "x")
	r.emit("t", "x")
	assert.Equal(t, 1, calls)
	assert.Zero(t, r.count("t"))
}
