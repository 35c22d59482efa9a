// Package policy carries per-operation decisions as an immutable value that is
// passed explicitly to apply functions, conflict resolvers and checkpoint saves.
package policy

import (
	"maps"
	"slices"

	"github.com/example/whizbang/internal/config"
)

// Context is an immutable bag of options, flags and tags. The With methods
// return modified copies; the receiver is never changed.
type Context struct {
	options config.Options
	flags   map[string]struct{}
	tags    map[string]string
}

// New returns a Context carrying opts and no flags or tags.
func New(opts config.Options) Context {
	return Context{options: opts}
}

// Background returns a Context with the default options.
func Background() Context {
	return New(config.DefaultOptions())
}

// Options returns the options in effect.
func (c Context) Options() config.Options {
	return c.options
}

// WithOptions returns a copy using opts.
func (c Context) WithOptions(opts config.Options) Context {
	c.options = opts
	return c
}

// WithFlag returns a copy with flag set.
func (c Context) WithFlag(flag string) Context {
	flags := make(map[string]struct{}, len(c.flags)+1)
	maps.Copy(flags, c.flags)
	flags[flag] = struct{}{}
	c.flags = flags
	return c
}

// HasFlag reports whether flag is set.
func (c Context) HasFlag(flag string) bool {
	_, ok := c.flags[flag]
	return ok
}

// Flags returns the set flags in sorted order.
func (c Context) Flags() []string {
	return slices.Sorted(maps.Keys(c.flags))
}

// WithTag returns a copy with key set to value.
func (c Context) WithTag(key, value string) Context {
	tags := make(map[string]string, len(c.tags)+1)
	maps.Copy(tags, c.tags)
	tags[key] = value
	c.tags = tags
	return c
}

// Tag returns the value of key.
func (c Context) Tag(key string) (string, bool) {
	v, ok := c.tags[key]
	return v, ok
}

// Tags returns a copy of all tags.
func (c Context) Tags() map[string]string {
	return maps.Clone(c.tags)
}

// Provider supplies options per stream type or projection. It stands in for
// an external policy engine; the core only consults it.
type Provider interface {
	ForStreamType(streamType string) config.Options
	ForProjection(name string) config.Options
}

// Static is a Provider backed by fixed values.
type Static struct {
	Default     config.Options
	StreamTypes map[string]config.Options
	Projections map[string]config.Options
}

// NewStatic returns a Static that serves opts for every key.
func NewStatic(opts config.Options) Static {
	return Static{Default: opts}
}

// ForStreamType implements Provider.
func (s Static) ForStreamType(streamType string) config.Options {
	if opts, ok := s.StreamTypes[streamType]; ok {
		return opts
	}
	return s.Default
}

// ForProjection implements Provider.
func (s Static) ForProjection(name string) config.Options {
	if opts, ok := s.Projections[name]; ok {
		return opts
	}
	return s.Default
}
