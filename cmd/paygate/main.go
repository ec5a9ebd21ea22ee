// Package main is the entry point for paygate, an x402 pay-per-call
// gateway that sits in front of any HTTP API and charges per request.
package main

func main() {
	Execute()
}
