/*
Package host abstracts the child-process host a node delegates bundle
execution to.

The dispatcher depends only on the Host and Process interfaces: spawn a
bundle, observe online and exit, stream stdio, exchange messages,
terminate. ExecHost runs bundles through a configurable interpreter
argv with an extra-descriptor IPC channel; ScriptedHost is an
in-memory implementation driven from test code.
*/
package host
