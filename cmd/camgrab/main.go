// Command camgrab acquires frames from industrial cameras into rotating
// per-device frame rings.
package main

import "os"

func main() {
	os.Exit(execute(os.Args[1:]))
}
