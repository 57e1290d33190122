// Package logging provides leveled, named loggers for the library.
// Each package retrieves its own logger via GetLogger; applications can
// replace the output format by installing a custom Factory with
// SetLoggerFactory before the first logger is created.
//
// The default implementation writes single-line records to stdout in the
// form "LEVEL | package | message".
package logging
