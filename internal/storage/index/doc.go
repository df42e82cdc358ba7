// Package index writes and reads the parquet index of merged records.
//
// The correlator appends one EventRow per merged record. Rows point back
// into the merged segments by segment name and offset, and carry the
// record's digest so a copy can be checked without re-reading the payloads.
//
// Files are written as index-<seq>.parquet.tmp and renamed once their footer
// is complete, so a glob over index-*.parquet only ever sees finished files.
package index
