package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amxwer/File-downloader/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Print(version.String("downloader"))
	},
}
