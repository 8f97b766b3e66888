package driver

import "fmt"

// Factory builds a fresh Capability instance for one engine kind.
// Adapters register a Factory from their own init(), mirroring the
// teacher's Provider registry (spec §9's "registry of classes via
// decorators" resolved without reflection or decorators).
type Factory func() Capability

var registry = map[string]Factory{}

// Register associates an engine kind name with a Factory. Called from
// each concrete adapter's init().
func Register(kind string, fn Factory) {
	registry[kind] = fn
}

// New builds the named engine's Capability, or an error if no adapter
// registered that kind.
func New(kind string) (Capability, error) {
	fn, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("driver: unknown engine kind %q", kind)
	}
	return fn(), nil
}

// Kinds lists every registered engine kind, for CLI help text and
// config validation.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}
