// Command aethercorectl is an operator tool that signs and submits a
// single command to a gateway's REST surface, then prints the
// dispatch outcome it reports back.
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
