// Package eventfile stores events on disk: per-device payload files, the
// optional raw wire dump, and the correlator's merged record files.
package eventfile
