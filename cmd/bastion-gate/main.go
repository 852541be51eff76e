// Command bastion-gate runs the governance gate for gated mutations.
package main

import "github.com/hyperpolymath/indieweb2-bastion/cmd/bastion-gate/cmd"

func main() {
	cmd.Execute()
}
