// Command scholar-scraper runs the YÖK Akademik scraping workers.
package main

import "github.com/hivemind-academic/scholar-scraper/cmd"

func main() {
	cmd.Execute()
}
