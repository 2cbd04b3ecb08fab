// The main package for the curpsweep executable.
package main

import "curpsweep/cmd"

func main() {
	cmd.Execute()
}
