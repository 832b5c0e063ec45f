// Command ltid runs the LTI 1.3 launch service and its admin tooling.
package main

func main() {
	Execute()
}
