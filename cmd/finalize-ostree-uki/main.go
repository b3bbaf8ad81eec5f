// Command finalize-ostree-uki builds and publishes signed UKIs for the
// OSTree boot-loader entries of this machine.
package main

import "github.com/oshokin/finalize-ostree-uki/cmd/finalize-ostree-uki/cmd"

func main() {
	cmd.Execute()
}
