package main

import "github.com/amxwer/File-downloader/services/downloader/cli"

func main() {
	cli.Execute()
}
