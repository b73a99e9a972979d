// Command aethercored runs one AetherCore node: identity registry,
// integrity chain, trust mesh, and command gateway, wired together and
// exposed over REST and the p2p transport.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
