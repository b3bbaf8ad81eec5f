// Package finalizer runs the UKI finalization pipeline.
//
// For every boot-loader entry it parses the file, resolves the OSTree
// deployment, composes a ukify configuration, builds the UKI into a swap
// file and publishes it atomically. Entries are processed one at a time and
// a failure in one entry never stops the others.
package finalizer
