package vk

import (
	"net/url"
	"strconv"
	"strings"
)

// Param is a single call parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered parameter list. Order is preserved on the wire.
type Params []Param

// Add appends a parameter and returns the extended list.
func (p Params) Add(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// AddInt appends an integer parameter.
func (p Params) AddInt(key string, value int64) Params {
	return p.Add(key, strconv.FormatInt(value, 10))
}

// Get returns the first value for key.
func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Encode form-encodes the list in order.
func (p Params) Encode() string {
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}
	return b.String()
}

// JoinIDs renders ids as the comma-separated list the API expects.
func JoinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
