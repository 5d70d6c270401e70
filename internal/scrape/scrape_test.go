package scrape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-academic/scholar-scraper/internal/scholar"
)

const listPageURL = "https://akademik.yok.gov.tr/AkademikArama/AkademisyenArama?islem=direktAra&birim=42"

const listPageHTML = `<html><body>
<table id="authorlistTb">
  <thead><tr><th>#</th><th></th><th>Akademisyen</th></tr></thead>
  <tbody>
    <tr>
      <td><span id="spid">1</span></td>
      <td><img class="img-circle" src="data:image/jpeg;base64,AAAA"></td>
      <td>
        <h6>PROFESÖR</h6>
        <h4><a href="/AkademikArama/AkademisyenGorevOgrenimBilgileri?sira=1&authorId=AB12">AYŞE   YILMAZ</a></h4>
        <h6>ANKARA ÜNİVERSİTESİ/MÜHENDİSLİK FAKÜLTESİ/BİLGİSAYAR MÜHENDİSLİĞİ BÖLÜMÜ</h6>
        <span class="label label-success"><a>Mühendislik</a></span>
        <span><a>Yapay Zeka</a>; <a> Veri  Madenciliği </a>; <a></a></span>
        <a href="mailto:ayse[at]ankara.edu.tr">ayse[at]ankara.edu.tr</a>
        <span id="spid2">AB12</span>
      </td>
    </tr>
    <tr>
      <td><span id="spid">2</span></td>
      <td><img class="img-circle" src="/images/default.png"></td>
      <td>
        <h6>DOÇENT</h6>
        <h4><a href="/AkademikArama/AkademisyenGorevOgrenimBilgileri?sira=2&authorId=CD34">MEHMET DEMİR</a></h4>
        <h6>ANKARA ÜNİVERSİTESİ</h6>
      </td>
    </tr>
    <tr><td></td><td></td><td><h6>no name</h6></td></tr>
  </tbody>
</table>
<ul class="pagination">
  <li><a href="#">&laquo;</a></li>
  <li class="active"><a href="#">1</a></li>
  <li><a href="/AkademikArama/AkademisyenArama?islem=direktAra&birim=42&page=2">2</a></li>
</ul>
</body></html>`

func TestParseListPage(t *testing.T) {
	page, err := ParseListPage(listPageURL, []byte(listPageHTML))
	require.NoError(t, err)
	require.True(t, page.Found)
	require.Len(t, page.Candidates, 2)

	first := page.Candidates[0]
	assert.Equal(t, "AB12", first.ExternalID)
	assert.Equal(t, "AYŞE YILMAZ", first.FullName)
	assert.Equal(t, "PROFESÖR", first.Title)
	assert.Equal(t, "https://akademik.yok.gov.tr/AkademikArama/AkademisyenGorevOgrenimBilgileri?sira=1&authorId=AB12", first.ProfileURL)
	assert.Equal(t, "ANKARA ÜNİVERSİTESİ", first.Institution)
	assert.Equal(t, "MÜHENDİSLİK FAKÜLTESİ/BİLGİSAYAR MÜHENDİSLİĞİ BÖLÜMÜ", first.Department)
	assert.Equal(t, "ayse@ankara.edu.tr", first.Email)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", first.ImageData)
	assert.Equal(t, []string{"Yapay Zeka", "Veri Madenciliği"}, first.ResearchAreas)

	second := page.Candidates[1]
	assert.Equal(t, "CD34", second.ExternalID, "falls back to the authorId in the profile link")
	assert.Empty(t, second.ImageData, "remote images are not kept")
	assert.Empty(t, second.Department)
	assert.Empty(t, second.ResearchAreas)

	assert.Equal(t, "https://akademik.yok.gov.tr/AkademikArama/AkademisyenArama?islem=direktAra&birim=42&page=2", page.NextURL)
}

func TestParseListPageLastPage(t *testing.T) {
	html := `<table id="authorlistTb"><tr><td></td><td></td><td><h4><a href="/p?authorId=X">A B</a></h4></td></tr></table>
<ul class="pagination"><li><a href="/prev">1</a></li><li class="active"><a href="#">2</a></li></ul>`
	page, err := ParseListPage(listPageURL, []byte(html))
	require.NoError(t, err)
	require.Len(t, page.Candidates, 1)
	assert.Equal(t, "X", page.Candidates[0].ExternalID)
	assert.Empty(t, page.NextURL)
}

func TestParseListPageWithoutTable(t *testing.T) {
	page, err := ParseListPage(listPageURL, []byte(`<html><body><p>Sonuç bulunamadı</p></body></html>`))
	require.NoError(t, err)
	assert.False(t, page.Found)
	assert.Empty(t, page.Candidates)
}

func TestParseListPageRejectsBadURL(t *testing.T) {
	_, err := ParseListPage("://bad", []byte(listPageHTML))
	require.Error(t, err)
}

const profileURL = "https://akademik.yok.gov.tr/AkademikArama/AkademisyenGorevOgrenimBilgileri?sira=1&authorId=AB12"

const profileHTML = `<html><body>
<div class="sidebar-nav"><ul class="nav">
  <li><a href="/AkademikArama/view/viewAuthor.jsp">Kişisel Bilgiler</a></li>
  <li><a href="/AkademikArama/AkademisyenYayinBilgileri?tip=makale&authorId=AB12">Makaleler</a></li>
  <li><a href="/AkademikArama/AkademisyenYonetilenTez?authorId=AB12">Yönetilen Tezler</a></li>
  <li><a href="/AkademikArama/AkademisyenIdariGorev?authorId=AB12">İdari Görevler</a></li>
  <li><a href="/AkademikArama/AkademisyenProje?authorId=AB12">Projeler</a></li>
  <li><a href="#">Boş</a></li>
</ul></div>
<img class="img-circle" src="data:image/png;base64,BBBB">
<table id="authorlistTb"><tr><td>
  <h4>AYŞE YILMAZ</h4>
  <h6>PROFESÖR</h6>
  <span class="label label-success">Mühendislik</span>
  <span class="label label-primary">Bilgisayar Bilimleri</span>
  <a href="mailto:ayse[at]ankara.edu.tr">ayse[at]ankara.edu.tr</a>
</td></tr></table>
<div class="greenOrcid"><p>ORCID: 0000-0001-2345-6789</p></div>
<ul class="timeline">
  <li class="time-label"><span class="bg-default">Akademik Görevler</span></li>
  <li class="time-label"><span>2015</span></li>
  <li><div class="timeline-item"><h4>ANKARA ÜNİVERSİTESİ</h4><h5>BİLGİSAYAR MÜHENDİSLİĞİ</h5></div>
      <div class="timeline-footer"><a class="btn">Profesör</a></div></li>
  <li class="time-label"><span>2008</span></li>
  <li><div class="timeline-item"><h4>GAZİ ÜNİVERSİTESİ</h4><h5>MATEMATİK</h5></div>
      <div class="timeline-footer"><a class="btn">Doçent</a></div></li>
</ul>
<ul class="timeline">
  <li class="time-label"><span class="bg-default">Öğrenim Bilgisi</span></li>
  <li class="time-label"><span>2000-2005</span></li>
  <li><div class="timeline-item"><h4>ODTÜ</h4><h5>BİLGİSAYAR</h5><h6>Tez adı: Dağıtık sistemler</h6></div>
      <div class="timeline-footer"><a class="btn">Doktora</a></div></li>
</ul>
</body></html>`

func TestParseProfile(t *testing.T) {
	profile, links, err := ParseProfile(profileURL, []byte(profileHTML))
	require.NoError(t, err)

	assert.Equal(t, "AYŞE YILMAZ", profile.FullName)
	assert.Equal(t, "PROFESÖR", profile.Title)
	assert.Equal(t, "ayse@ankara.edu.tr", profile.Email)
	assert.Equal(t, "0000-0001-2345-6789", profile.ORCID)
	assert.Equal(t, "data:image/png;base64,BBBB", profile.ImageData)
	assert.Equal(t, []string{"Mühendislik", "Bilgisayar Bilimleri"}, profile.ResearchAreas)

	require.Len(t, profile.Academic, 2)
	assert.Equal(t, scholar.AcademicPosition{
		Year: "2015", Position: "Profesör", University: "ANKARA ÜNİVERSİTESİ", DepartmentInfo: "BİLGİSAYAR MÜHENDİSLİĞİ",
	}, profile.Academic[0])
	assert.Equal(t, "ANKARA ÜNİVERSİTESİ", profile.Institution)

	require.Len(t, profile.Education, 1)
	assert.Equal(t, scholar.Education{
		YearRange: "2000-2005", Degree: "Doktora", University: "ODTÜ", DepartmentInfo: "BİLGİSAYAR", ThesisTitle: "Dağıtık sistemler",
	}, profile.Education[0])

	require.Len(t, links, 4)
	assert.Equal(t, scholar.SectionArticles, links[0].Kind)
	assert.Equal(t, "https://akademik.yok.gov.tr/AkademikArama/AkademisyenYayinBilgileri?tip=makale&authorId=AB12", links[0].URL)
	assert.Equal(t, scholar.SectionTheses, links[1].Kind)
	assert.Equal(t, scholar.SectionDuties, links[2].Kind)
	assert.True(t, links[2].Known())
	assert.Equal(t, scholar.SectionKind("projeler"), links[3].Kind)
	assert.False(t, links[3].Known())
}

func TestParseProfileWithoutEducation(t *testing.T) {
	html := `<table id="authorlistTb"><tr><td><h4>A</h4></td></tr></table>
<ul class="timeline"><li class="time-label"><span>2020</span></li>
<li><div class="timeline-item"><h4>U</h4></div><div class="timeline-footer"><a class="btn">Araştırma Görevlisi</a></div></li></ul>`
	profile, links, err := ParseProfile(profileURL, []byte(html))
	require.NoError(t, err)
	assert.Empty(t, profile.Education)
	require.Len(t, profile.Academic, 1)
	assert.Equal(t, "Araştırma Görevlisi", profile.Academic[0].Position)
	assert.Empty(t, links)
	assert.Empty(t, profile.ImageData)
}

const articlesHTML = `<table><tbody>
<tr><td>1</td><td>
Deep Learning for Turkish Text

		AYŞE YILMAZ, MEHMET DEMİR
, Yayın Yeri:Journal of Informatics
, 2021


SCI-Expanded

Özgün Makale

 https://doi.org/10.1000/xyz123
</td></tr>
<tr><td>2</td><td>   </td></tr>
<tr><td>3</td><td>Short Note Without Venue</td></tr>
</tbody></table>`

func TestParseSectionPublications(t *testing.T) {
	link := SectionLink{Kind: scholar.SectionArticles}
	rows, err := ParseSection(link, []byte(articlesHTML))
	require.NoError(t, err)
	require.Len(t, rows.Publications, 2)

	pub := rows.Publications[0]
	assert.Equal(t, "Deep Learning for Turkish Text", pub.Title)
	assert.Equal(t, []string{"AYŞE YILMAZ", "MEHMET DEMİR"}, pub.Authors)
	assert.Equal(t, "Journal of Informatics", pub.Venue)
	assert.Equal(t, 2021, pub.Year)
	assert.Equal(t, "https://doi.org/10.1000/xyz123", pub.DOI)
	assert.Equal(t, "Özgün Makale", pub.Type)
	assert.Equal(t, "SCI-Expanded", pub.Index)
	assert.Equal(t, scholar.CategoryArticles, pub.Category)

	bare := rows.Publications[1]
	assert.Equal(t, "Short Note Without Venue", bare.Title)
	assert.Zero(t, bare.Year)
	assert.Empty(t, bare.DOI)
	assert.Empty(t, bare.Authors)
}

func TestParseSectionCoursesAndTheses(t *testing.T) {
	courses, err := ParseSection(SectionLink{Kind: scholar.SectionCourses}, []byte(`<table><tbody>
<tr><td>2022-2023</td><td>Veri Yapıları</td><td>Türkçe</td><td>4</td></tr>
<tr><td>2022-2023</td><td></td></tr>
</tbody></table>`))
	require.NoError(t, err)
	require.Len(t, courses.Courses, 1)
	assert.Equal(t, scholar.Course{AcademicYear: "2022-2023", Name: "Veri Yapıları", Language: "Türkçe", Hours: "4"}, courses.Courses[0])

	theses, err := ParseSection(SectionLink{Kind: scholar.SectionTheses}, []byte(`<table><tbody>
<tr><td>2019</td><td>ALİ VELİ</td><td>Makine öğrenmesi</td><td>ANKARA ÜNİVERSİTESİ</td></tr>
</tbody></table>`))
	require.NoError(t, err)
	require.Len(t, theses.Theses, 1)
	assert.Equal(t, "ALİ VELİ", theses.Theses[0].StudentName)
	assert.Equal(t, "ANKARA ÜNİVERSİTESİ", theses.Theses[0].Institution)
}

func TestParseSectionDutiesFallsBackToTimeline(t *testing.T) {
	rows, err := ParseSection(SectionLink{Kind: scholar.SectionDuties}, []byte(`<ul class="timeline">
<li class="time-label"><span>2018-2021</span></li>
<li><div class="timeline-item"><h4>Bölüm Başkanı</h4> ANKARA   ÜNİVERSİTESİ</div><div class="timeline-footer"><a class="btn">Bölüm Başkanı</a></div></li>
</ul>`))
	require.NoError(t, err)
	require.Len(t, rows.Duties, 1)
	assert.Equal(t, "2018-2021", rows.Duties[0].YearRange)
	assert.Equal(t, "Bölüm Başkanı", rows.Duties[0].Title)
	assert.Equal(t, "Bölüm Başkanı ANKARA ÜNİVERSİTESİ", rows.Duties[0].Content)
}

func TestParseSectionUnknownKind(t *testing.T) {
	rows, err := ParseSection(SectionLink{Kind: "projeler"}, []byte(articlesHTML))
	require.NoError(t, err)
	assert.Empty(t, rows.Publications)
}

func TestNormalizeKey(t *testing.T) {
	cases := map[string]scholar.SectionKind{
		"Makaleler":        scholar.SectionArticles,
		"Yönetilen Tezler": scholar.SectionTheses,
		"İdari Görevler":   scholar.SectionDuties,
		" Dersler ":        scholar.SectionCourses,
		"Bildiriler":       scholar.SectionProceedings,
	}
	for label, want := range cases {
		assert.Equal(t, string(want), normalizeKey(label), label)
	}
}
