package downloader

import (
	"fmt"
	"strings"
)

// FilingURL builds the archive location of one filing's full submission text:
// {base}/{entity without leading zeros}/{accession without hyphens}/{accession}.txt
func FilingURL(baseURL, entityID, accession string) string {
	cik := strings.TrimLeft(strings.TrimSpace(entityID), "0")
	if cik == "" {
		cik = "0"
	}
	return fmt.Sprintf("%s/%s/%s/%s.txt",
		strings.TrimRight(baseURL, "/"), cik, strings.ReplaceAll(accession, "-", ""), accession)
}
