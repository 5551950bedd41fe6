// Package setup holds the default locations of zvmhelper and checks that a host can drive a
// zVM guest's reader.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
