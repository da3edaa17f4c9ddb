// Package logx is reminderd's logging layer: a value-type Logger over
// zerolog whose sinks and level can be swapped by a config reload without
// re-plumbing the loggers components already hold.
//
// Console output is human-oriented (millisecond timestamps, file:line
// caller); the optional file sink is JSON lines.
package logx
