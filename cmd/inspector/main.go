// Command inspector runs the attribution report recorder and manages URL
// breakpoints.
//
// Usage:
//
//	inspector serve --listen :8000 --report conversionReport.txt
//	inspector breakpoints add --regex '\.js$'
//	inspector breakpoints list
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
