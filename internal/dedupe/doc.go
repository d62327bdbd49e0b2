// Package dedupe tracks recently seen keys so that connectors can drop
// events a backend delivers more than once.
package dedupe
