// Command dync uploads a single file to a dyncd server over the dync
// protocol, with credit-gated streaming and retransmission from a retention
// ring. The client does not redial: a dropped connection ends the upload.
package main

import "os"

func main() {
	os.Exit(run())
}

func run() int {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return 0
}
