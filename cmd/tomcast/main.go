// Tomcast runs total-order multicast groups, either simulated in a single process or as TCP members.
package main

import "github.com/relab/tomcast/internal/cli"

func main() {
	cli.Execute()
}
