// Package logx wraps zerolog with a small, stable logging API.
//
// Components receive a Logger value; the Service owns sink configuration
// (console/file) and can swap it at runtime without invalidating loggers
// already handed out.
package logx
