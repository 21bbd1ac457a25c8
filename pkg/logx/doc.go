// Package logx is crawlsched's structured logging on top of zerolog.
//
// Loggers derived from a Service follow Service.Apply, so a config reload can
// change the level, the sinks and per-component overrides without rebuilding
// the component graph. Components tag their logger with Component(name); an
// override for that name replaces the global level for its records.
package logx
