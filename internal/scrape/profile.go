package scrape

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hivemind-academic/scholar-scraper/internal/scholar"
)

const educationHeader = "Öğrenim Bilgisi"

// SectionLink is a sub-page linked from a profile's sidebar.
type SectionLink struct {
	Kind  scholar.SectionKind
	Label string
	URL   string
}

// Known reports whether the section has a parser and a destination table.
func (l SectionLink) Known() bool {
	switch l.Kind {
	case scholar.SectionArticles, scholar.SectionProceedings, scholar.SectionBooks,
		scholar.SectionCourses, scholar.SectionTheses, scholar.SectionDuties:
		return true
	default:
		return false
	}
}

// ParseProfile extracts the primary profile fields and the sidebar section
// links, resolved against pageURL. The external id is left for the caller.
func ParseProfile(pageURL string, body []byte) (scholar.Profile, []SectionLink, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return scholar.Profile{}, nil, fmt.Errorf("parse profile: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return scholar.Profile{}, nil, fmt.Errorf("parse profile url: %w", err)
	}

	author := doc.Find("#authorlistTb")
	image, _ := doc.Find("img.img-circle").First().Attr("src")
	profile := scholar.Profile{
		FullName:  cleanText(author.Find("h4").First().Text()),
		Title:     cleanText(author.Find("h6").First().Text()),
		Email:     cleanEmail(author.Find(`a[href^="mailto:"]`).First().Text()),
		ORCID:     strings.TrimSpace(strings.TrimPrefix(cleanText(doc.Find(".greenOrcid p").First().Text()), "ORCID:")),
		ImageData: inlineImage(image),
	}
	author.Find(".label-success, .label-primary").Each(func(_ int, s *goquery.Selection) {
		if area := cleanText(s.Text()); area != "" {
			profile.ResearchAreas = append(profile.ResearchAreas, area)
		}
	})

	education := educationTimeline(doc)
	academic := doc.Find(".timeline").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return education == nil || !s.IsSelection(education)
	}).First()

	eachTimelineEntry(academic, func(label string, item *goquery.Selection) {
		profile.Academic = append(profile.Academic, scholar.AcademicPosition{
			Year:           label,
			Position:       cleanText(item.Find(".timeline-footer .btn").Text()),
			University:     cleanText(item.Find(".timeline-item h4").Text()),
			DepartmentInfo: cleanText(item.Find(".timeline-item h5").Text()),
		})
	})
	if education != nil {
		eachTimelineEntry(education, func(label string, item *goquery.Selection) {
			thesis := cleanText(item.Find(".timeline-item h6").Text())
			profile.Education = append(profile.Education, scholar.Education{
				YearRange:      label,
				Degree:         cleanText(item.Find(".timeline-footer .btn").Text()),
				University:     cleanText(item.Find(".timeline-item h4").Text()),
				DepartmentInfo: cleanText(item.Find(".timeline-item h5").Text()),
				ThesisTitle:    strings.TrimSpace(strings.TrimPrefix(thesis, "Tez adı:")),
			})
		})
	}
	if len(profile.Academic) > 0 {
		profile.Institution = profile.Academic[0].University
		profile.Department = profile.Academic[0].DepartmentInfo
	}

	var links []SectionLink
	doc.Find(".sidebar-nav ul.nav li a").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if strings.Contains(href, "viewAuthor.jsp") {
			return
		}
		target := resolve(base, href)
		if target == "" {
			return
		}
		label := cleanText(a.Text())
		links = append(links, SectionLink{
			Kind:  scholar.SectionKind(normalizeKey(label)),
			Label: label,
			URL:   target,
		})
	})
	return profile, links, nil
}

// educationTimeline returns the .timeline headed by the education label, or
// nil when the profile lists no education.
func educationTimeline(doc *goquery.Document) *goquery.Selection {
	header := doc.Find(".timeline .time-label span.bg-default").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return cleanText(s.Text()) == educationHeader
	}).First()
	if header.Length() == 0 {
		return nil
	}
	return header.Closest(".timeline")
}

// eachTimelineEntry walks a timeline: every dated label applies to the
// entries that follow it until the next label. Section headers (bg-default
// labels) are skipped.
func eachTimelineEntry(timeline *goquery.Selection, fn func(label string, item *goquery.Selection)) {
	timeline.Find("li.time-label").Each(func(_ int, labelItem *goquery.Selection) {
		if labelItem.Find("span.bg-default").Length() > 0 {
			return
		}
		label := cleanText(labelItem.Find("span").Text())
		for next := labelItem.Next(); next.Length() > 0; next = next.Next() {
			if next.HasClass("time-label") || next.Find(".timeline-item").Length() == 0 {
				break
			}
			fn(label, next)
		}
	})
}
