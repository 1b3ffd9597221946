// Package testutil holds deterministic fixtures shared by package tests:
// run-id generators, a stepping wall clock and a loopback cache service.
package testutil
