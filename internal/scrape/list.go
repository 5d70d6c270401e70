// Package scrape turns YÖK Akademik HTML into scholar records. Parsers are
// pure: they never fetch and never touch storage.
package scrape

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hivemind-academic/scholar-scraper/internal/scholar"
	"github.com/hivemind-academic/scholar-scraper/internal/task"
)

// ListPage is one page of a department's scholar listing.
type ListPage struct {
	Candidates []scholar.Stub
	// NextURL is absolute, or empty on the last page.
	NextURL string
	// Found is false when the page has no #authorlistTb table at all.
	Found bool
}

// ParseListPage extracts candidates and the next page link. Links are
// resolved against pageURL.
func ParseListPage(pageURL string, body []byte) (ListPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ListPage{}, fmt.Errorf("parse list page: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ListPage{}, fmt.Errorf("parse list page url: %w", err)
	}

	table := doc.Find("#authorlistTb")
	if table.Length() == 0 {
		return ListPage{}, nil
	}
	page := ListPage{Found: true}

	rows := table.Find("tbody tr")
	if rows.Length() == 0 {
		rows = table.Find("tr").Not("thead tr")
	}
	rows.Each(func(_ int, row *goquery.Selection) {
		if stub, ok := parseListRow(base, row); ok {
			page.Candidates = append(page.Candidates, stub)
		}
	})

	next := doc.Find("ul.pagination li.active").First().NextFiltered("li").Find("a").First()
	if href, ok := next.Attr("href"); ok {
		page.NextURL = resolve(base, href)
	}
	return page, nil
}

func parseListRow(base *url.URL, row *goquery.Selection) (scholar.Stub, bool) {
	nameLink := row.Find("h4 a").First()
	name := cleanText(nameLink.Text())
	if name == "" {
		return scholar.Stub{}, false
	}
	href, _ := nameLink.Attr("href")
	profileURL := resolve(base, href)

	externalID := cleanText(row.Find("#spid2").Text())
	if externalID == "" {
		externalID, _ = task.ExternalIDFromURL(profileURL)
	}

	institution, department := splitAffiliation(cleanText(row.Find("h4").First().NextFiltered("h6").Text()))
	image, _ := row.Find("img.img-circle").Attr("src")

	return scholar.Stub{
		ExternalID:    externalID,
		FullName:      name,
		Title:         cleanText(row.Find("td").Eq(2).Find("h6").First().Text()),
		ProfileURL:    profileURL,
		Institution:   institution,
		Department:    department,
		Email:         cleanEmail(row.Find(`a[href^="mailto:"]`).First().Text()),
		ImageData:     inlineImage(image),
		ResearchAreas: listInterests(row),
	}, true
}

// listInterests reads the links of the last span directly under the name
// cell. The hidden author id span is not a candidate.
func listInterests(row *goquery.Selection) []string {
	var areas []string
	row.Find("td").Eq(2).ChildrenFiltered("span").Not("#spid2").Last().Find("a").Each(func(_ int, a *goquery.Selection) {
		if area := cleanText(a.Text()); area != "" {
			areas = append(areas, area)
		}
	})
	return areas
}

// splitAffiliation splits "UNIVERSITY/FACULTY/DEPARTMENT/..." into the
// university and the remaining path.
func splitAffiliation(info string) (string, string) {
	if info == "" {
		return "", ""
	}
	parts := strings.SplitN(info, "/", 2)
	institution := strings.TrimSpace(parts[0])
	if len(parts) == 1 {
		return institution, ""
	}
	return institution, strings.TrimSpace(parts[1])
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || href == "#" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
