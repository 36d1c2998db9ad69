// Command mos boots the kernel-core simulation described in cmd/mos's
// root.go and exits once the boot sequence (and any loaded init
// process) has run.
package main

func main() {
	Execute()
}
