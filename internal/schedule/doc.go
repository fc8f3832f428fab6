// Package schedule computes trigger instants from a Policy and runs the
// single trigger loop: arm, wait, fire, re-arm. Firings never overlap; the
// next instant is armed only after the previous callback returns.
package schedule
