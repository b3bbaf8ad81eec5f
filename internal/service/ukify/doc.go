// Package ukify composes ukify build configurations and runs ukify.
//
// Compose is a pure function of a parsed entry, its resolved deployment and
// the signing keys. Builder renders the result into a scoped temporary
// directory and calls `ukify build`, writing to the swap path next to the
// final artifact. Publishing the swap file is left to the caller.
package ukify
