// Package cache implements the result cache service: a line-oriented TCP
// key/value server backed by internal/store, and its client.
//
// Wire protocol (network newline "\r\n" separates every line):
//
//	ping\r\n                          -> #!ok\r\n
//	get\r\nKEY\r\n                    -> VALUE#!end\r\n | #!None\r\n
//	delete\r\nKEY\r\n                 -> #!ok\r\n
//	insert\r\nKEY\r\nVALUE#!end\r\n   -> #!ok\r\n
//
// The "#!" prefix is reserved for protocol messages. Errors are reported as
// "#!error: <reason>\r\n" after which the connection returns to its start
// state. A value is every byte between the key line and the first "#!end\r\n"
// so values may contain newlines but not the terminator itself.
//
// Each connection is a small state machine (start, awaiting a get, delete or
// insert key, awaiting an insert value). Nothing is written to the store
// until the value terminator has been received, so a connection dropped in
// the middle of an insert leaves the store unchanged.
package cache
