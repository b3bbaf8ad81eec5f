// Package deployment resolves the OSTree deployment a boot entry points at.
//
// A deployment is identified by the ostree= kernel argument. The Resolver
// reads its os-release file and derives the kernel uname from the single
// directory under usr/lib/modules. Nothing is cached: every entry is
// resolved against the current state of the disk.
package deployment
