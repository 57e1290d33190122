// Package enginetest provides a conformance test suite for implementations
// of the engine.Engine interface, driven by a factory so any backend can be
// exercised with the same assertions.
package enginetest
