package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	errors []string
}

func (r *recorder) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func (r *recorder) Helper() {}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		match    bool
	}{
		{"equal objects", nil, `{"a":1,"b":[1,2]}`, `{"b":[1,2],"a":1}`, true},
		{"changed value", nil, `{"a":2}`, `{"a":1}`, false},
		{"root arrays", nil, `[{"id":"x"}]`, `[{"id":"x"}]`, true},
		{"root array differs", nil, `[1,2]`, `[1,3]`, false},
		{"presence placeholder", nil, `{"id":"5f1","ok":true}`, `{"id":"<<PRESENCE>>","ok":true}`, true},
		{"presence needs key", nil, `{"ok":true}`, `{"id":"<<PRESENCE>>","ok":true}`, false},
		{"extra key fails by default", nil, `{"a":1,"b":2}`, `{"a":1}`, false},
		{"extra key ignored", []Option{WithIgnoreExtraKeys(true)}, `{"a":1,"b":{"c":3}}`, `{"a":1}`, true},
		{"ignored field", []Option{WithIgnoredFields("ts")}, `{"a":{"ts":5,"v":1}}`, `{"a":{"ts":9,"v":1}}`, true},
		{"invalid actual", nil, `{`, `{}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			ok := NewJSONAsserter(r).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.match, ok)
			assert.Equal(t, tt.match, len(r.errors) == 0)
		})
	}
}

func TestTextAsserter(t *testing.T) {
	r := &recorder{}
	ta := NewTextAsserter(r)

	assert.True(t, ta.Assert("a\nb\n", "a\nb\n"))
	assert.False(t, ta.Assert("a\nc\n", "a\nb\n"))
	assert.Len(t, r.errors, 1)
	assert.Contains(t, r.errors[0], "-b")
	assert.Contains(t, r.errors[0], "+c")

	lenient := NewTextAsserter(r).WithOptions(
		WithTrimSpace(true),
		WithIgnoreEmptyLines(true),
		WithIgnoreTrailingWhitespace(true),
	)
	assert.True(t, lenient.Assert("\n a  \n\nb\t\n", " a\nb"))
}

func TestMustJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, MustJSON(map[string]int{"a": 1}))
	assert.Panics(t, func() { MustJSON(make(chan int)) })
}
