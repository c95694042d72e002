package main

import "github.com/example/prebook/cmd"

var (
	version   = "dev"
	commitSHA = "none"
	buildDate = "unknown"
)

func main() {
	cmd.Version = version
	cmd.CommitSHA = commitSHA
	cmd.BuildDate = buildDate
	cmd.Execute()
}
