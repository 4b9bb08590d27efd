/*
Package log provides structured logging built on zerolog.

Init configures the global logger once at startup; components derive
child loggers with WithComponent, WithWorkerID, or WithNode so every
record carries its origin.
*/
package log
