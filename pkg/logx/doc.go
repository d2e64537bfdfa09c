// Package logx is supd's logging layer on top of zerolog.
//
// Console output is human readable with a short caller; file output is JSON.
// Outputs and level can change at runtime through Sink.Apply.
package logx
