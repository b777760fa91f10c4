package main

import "github.com/amxwer/File-downloader/services/gateway/cli"

func main() {
	cli.Execute()
}
