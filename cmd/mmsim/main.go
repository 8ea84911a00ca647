// Command mmsim boots the kernel memory subsystem on a simulated machine and
// reports on its state.
package main

func main() {
	execute()
}
