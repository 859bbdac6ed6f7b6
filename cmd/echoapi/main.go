// Command echoapi sends requests through the Echo API transport layer and runs
// a local mock of the API to send them to.
package main

func main() {
	Execute()
}
