// Command dyncd is the dync upload server daemon: it accepts chunked file
// uploads over an authenticated websocket transport and promotes finished
// ones into a destination directory.
package main

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}
