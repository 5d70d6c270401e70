package scrape

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hivemind-academic/scholar-scraper/internal/scholar"
)

var (
	citationURLPattern   = regexp.MustCompile(`https?://\S+`)
	citationVenuePattern = regexp.MustCompile(`Yayın Yeri:\s*([^,\n]*)`)
	citationYearPattern  = regexp.MustCompile(`,\s*((?:19|20)\d{2})`)
)

// Publication types and indexes, most specific first.
var (
	publicationTypes   = []string{"Özgün Makale", "Tam metin bildiri", "Derleme", "Kitap", "Editörlük", "Poster"}
	publicationIndexes = []string{"SCI-Expanded", "SCI", "SSCI", "AHCI", "Scopus", "TR Dizin", "Diğer endeksler"}
)

// ParseSection parses one sub-page. Unknown sections yield no rows.
func ParseSection(link SectionLink, body []byte) (scholar.Sections, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return scholar.Sections{}, fmt.Errorf("parse section %s: %w", link.Kind, err)
	}
	rows := doc.Find("table tbody tr")

	var out scholar.Sections
	switch link.Kind {
	case scholar.SectionArticles, scholar.SectionProceedings, scholar.SectionBooks:
		rows.Each(func(_ int, tr *goquery.Selection) {
			if pub, ok := parseCitation(tr.Find("td").Eq(1).Text()); ok {
				pub.Category = string(link.Kind)
				out.Publications = append(out.Publications, pub)
			}
		})
	case scholar.SectionCourses:
		rows.Each(func(_ int, tr *goquery.Selection) {
			cells := cellTexts(tr)
			if cell(cells, 1) == "" {
				return
			}
			out.Courses = append(out.Courses, scholar.Course{
				AcademicYear: cell(cells, 0),
				Name:         cell(cells, 1),
				Language:     cell(cells, 2),
				Hours:        cell(cells, 3),
			})
		})
	case scholar.SectionTheses:
		rows.Each(func(_ int, tr *goquery.Selection) {
			cells := cellTexts(tr)
			if len(cells) == 0 {
				return
			}
			out.Theses = append(out.Theses, scholar.ThesisSupervision{
				Year:        cell(cells, 0),
				StudentName: cell(cells, 1),
				Title:       cell(cells, 2),
				Institution: cell(cells, 3),
			})
		})
	case scholar.SectionDuties:
		rows.Each(func(_ int, tr *goquery.Selection) {
			cells := cellTexts(tr)
			if len(cells) == 0 {
				return
			}
			out.Duties = append(out.Duties, scholar.AdministrativeDuty{
				YearRange: cell(cells, 0),
				Title:     cell(cells, 1),
				Content:   cell(cells, 2),
			})
		})
		if len(out.Duties) == 0 {
			eachTimelineEntry(doc.Find(".timeline"), func(label string, item *goquery.Selection) {
				out.Duties = append(out.Duties, scholar.AdministrativeDuty{
					YearRange: label,
					Title:     cleanText(item.Find(".timeline-footer .btn").Text()),
					Content:   cleanText(item.Find(".timeline-item").Text()),
				})
			})
		}
	}
	return out, nil
}

// parseCitation reads the free-text citation cell. The first line is the
// title; authors precede "Yayın Yeri:".
func parseCitation(raw string) (scholar.Publication, bool) {
	lines := splitLines(raw)
	if len(lines) == 0 {
		return scholar.Publication{}, false
	}
	pub := scholar.Publication{Title: lines[0]}

	if m := citationURLPattern.FindString(raw); m != "" {
		pub.DOI = m
	}
	if loc := citationVenuePattern.FindStringSubmatchIndex(raw); loc != nil {
		pub.Venue = strings.TrimSpace(raw[loc[2]:loc[3]])
		pub.Authors = parseAuthors(raw[:loc[0]], pub.Title)
	}
	if m := citationYearPattern.FindStringSubmatch(raw); m != nil {
		pub.Year, _ = strconv.Atoi(m[1])
	}
	for _, t := range publicationTypes {
		if strings.Contains(raw, t) {
			pub.Type = t
			break
		}
	}
	for _, idx := range publicationIndexes {
		if strings.Contains(raw, idx) {
			pub.Index = idx
			break
		}
	}
	return pub, true
}

func parseAuthors(prefix, title string) []string {
	text := cleanText(strings.Replace(cleanText(prefix), title, "", 1))
	text = strings.TrimSuffix(text, ",")
	var authors []string
	for _, a := range strings.Split(text, ",") {
		if a = strings.TrimSpace(a); a != "" {
			authors = append(authors, a)
		}
	}
	return authors
}

func cellTexts(tr *goquery.Selection) []string {
	return tr.Find("td").Map(func(_ int, td *goquery.Selection) string {
		return cleanText(td.Text())
	})
}

func cell(cells []string, i int) string {
	if i < len(cells) {
		return cells[i]
	}
	return ""
}
