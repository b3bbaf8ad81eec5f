// Package artifact publishes built UKIs to the boot partition.
//
// Publisher moves a fully written swap file over its final name using
// fsync, rename, fsync of the new file and fsync of the parent directory,
// so readers and a rebooted machine observe either the previous artifact or
// the complete new one.
package artifact
