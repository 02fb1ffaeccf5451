// Command capturectl drives the capture pipeline from a YAML task script.
package main

func main() {
	Execute()
}
