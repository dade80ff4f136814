// Command dvmd runs the job client as a daemon: it keeps relay connections
// open, serves the job HTTP API and persists the job ledger.
package main

import "os"

func main() { os.Exit(run(ParseFlags(os.Args[1:]))) }
