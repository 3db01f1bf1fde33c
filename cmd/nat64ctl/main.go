// nat64ctl -- external collaborator for the SIIT/NAT64/CLAT translator.
package main

import (
	"os"

	"github.com/vitlabuda/tundra-nat64-sub000/cmd/nat64ctl/commands"
)

func main() {
	os.Exit(commands.Execute())
}
