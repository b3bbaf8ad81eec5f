// Package common holds helpers shared by several services.
//
// It detects the current system actor (hostname/username) and provides the
// run lock that keeps two finalize runs from publishing into the same boot
// partition at once.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
