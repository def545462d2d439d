package main

import "github.com/Martian-dev/helpdesk-mailsync/internal/cli"

func main() {
	cli.Execute()
}
