package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hivemind-academic/scholar-scraper/internal/events"
	"github.com/hivemind-academic/scholar-scraper/internal/fetch"
	"github.com/hivemind-academic/scholar-scraper/internal/repository"
	"github.com/hivemind-academic/scholar-scraper/internal/scholar"
)

type createCall struct {
	stub scholar.Stub
	dept *scholar.Department
}

type fakeStore struct {
	mu sync.Mutex

	existing    map[string]string
	department  *scholar.Department
	deptErr     error
	findErr     error
	createErr   error
	insertErr   error
	created     []createCall
	updates     map[string]scholar.ProfileUpdate
	images      map[string]string
	education   []scholar.Education
	academic    []scholar.AcademicPosition
	pubs        []scholar.Publication
	courses     []scholar.Course
	theses      []scholar.ThesisSupervision
	duties      []scholar.AdministrativeDuty
	nextID      int
	deptLookups []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		existing: map[string]string{},
		updates:  map[string]scholar.ProfileUpdate{},
		images:   map[string]string{},
	}
}

func (s *fakeStore) FindScholarByExternalID(_ context.Context, externalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return "", s.findErr
	}
	if id, ok := s.existing[externalID]; ok {
		return id, nil
	}
	return "", repository.ErrNotFound
}

func (s *fakeStore) FindDepartmentByURL(_ context.Context, url string) (scholar.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deptLookups = append(s.deptLookups, url)
	if s.deptErr != nil {
		return scholar.Department{}, s.deptErr
	}
	if s.department == nil {
		return scholar.Department{}, repository.ErrNotFound
	}
	return *s.department, nil
}

func (s *fakeStore) CreateScholar(_ context.Context, stub scholar.Stub, dept *scholar.Department) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.nextID++
	id := fmt.Sprintf("scholar-%d", s.nextID)
	s.existing[stub.ExternalID] = id
	s.created = append(s.created, createCall{stub: stub, dept: dept})
	return id, nil
}

func (s *fakeStore) UpdateScholarProfile(_ context.Context, scholarID string, upd scholar.ProfileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[scholarID] = upd
	return nil
}

func (s *fakeStore) SaveImage(_ context.Context, scholarID, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[scholarID] = data
	return nil
}

func (s *fakeStore) InsertEducation(_ context.Context, _ string, rows []scholar.Education) (repository.InsertStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.education = append(s.education, rows...)
	return repository.InsertStats{Inserted: len(rows)}, nil
}

func (s *fakeStore) InsertAcademic(_ context.Context, _ string, rows []scholar.AcademicPosition) (repository.InsertStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.academic = append(s.academic, rows...)
	return repository.InsertStats{Inserted: len(rows)}, nil
}

func (s *fakeStore) InsertPublications(_ context.Context, _ string, rows []scholar.Publication) (repository.InsertStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return repository.InsertStats{}, s.insertErr
	}
	s.pubs = append(s.pubs, rows...)
	return repository.InsertStats{Inserted: len(rows)}, nil
}

func (s *fakeStore) InsertCourses(_ context.Context, _ string, rows []scholar.Course) (repository.InsertStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses = append(s.courses, rows...)
	return repository.InsertStats{Inserted: len(rows)}, nil
}

func (s *fakeStore) InsertTheses(_ context.Context, _ string, rows []scholar.ThesisSupervision) (repository.InsertStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.theses = append(s.theses, rows...)
	return repository.InsertStats{Inserted: len(rows)}, nil
}

func (s *fakeStore) InsertDuties(_ context.Context, _ string, rows []scholar.AdministrativeDuty) (repository.InsertStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duties = append(s.duties, rows...)
	return repository.InsertStats{Inserted: len(rows)}, nil
}

type publishedTask struct {
	queue string
	body  string
}

type fakePublisher struct {
	mu    sync.Mutex
	tasks []publishedTask
	err   error
}

func (p *fakePublisher) Publish(_ context.Context, queue string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, publishedTask{queue: queue, body: string(body)})
	return nil
}

func (p *fakePublisher) published() []publishedTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedTask(nil), p.tasks...)
}

// fakeSessions serves canned pages keyed by URL.
type fakeSessions struct {
	mu       sync.Mutex
	pages    map[string]string
	errs     map[string]error
	requests []string
	opened   int
	closed   int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{pages: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeSessions) NewSession() fetch.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return &fakeSession{parent: f}
}

func (f *fakeSessions) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

type fakeSession struct {
	parent *fakeSessions
	once   sync.Once
}

func (s *fakeSession) Get(ctx context.Context, url string) (fetch.Page, error) {
	if err := ctx.Err(); err != nil {
		return fetch.Page{}, err
	}
	f := s.parent
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, url)
	if err, ok := f.errs[url]; ok {
		return fetch.Page{}, err
	}
	body, ok := f.pages[url]
	if !ok {
		return fetch.Page{}, &fetch.StatusError{URL: url, Code: 404}
	}
	return fetch.Page{URL: url, StatusCode: 200, Body: []byte(body)}, nil
}

func (s *fakeSession) Close() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		s.parent.closed++
		s.parent.mu.Unlock()
	})
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (a *fakeArchiver) Archive(_ context.Context, externalID string, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.keys = append(a.keys, externalID)
	return "memory://" + externalID, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []events.ScholarSynced
	err    error
}

func (n *fakeNotifier) ScholarSynced(_ context.Context, ev events.ScholarSynced) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return "", n.err
	}
	n.events = append(n.events, ev)
	return "id", nil
}

var errBoom = errors.New("boom")

const yokBase = "https://akademik.yok.gov.tr"

type listRow struct {
	id, name, image string
}

func listPage(rows []listRow, next string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table id="authorlistTb"><tbody>`)
	for _, r := range rows {
		fmt.Fprintf(&b, `<tr><td></td><td><img class="img-circle" src="%s"></td><td><h6>DOÇENT</h6>`+
			`<h4><a href="/AkademikArama/Profil?authorId=%s">%s</a></h4><h6>ANKARA ÜNİVERSİTESİ/FEN FAKÜLTESİ</h6>`+
			`<span id="spid2">%s</span></td></tr>`, r.image, r.id, r.name, r.id)
	}
	b.WriteString(`</tbody></table><ul class="pagination"><li class="active"><a href="#">1</a></li>`)
	if next != "" {
		fmt.Fprintf(&b, `<li><a href="%s">2</a></li>`, next)
	}
	b.WriteString(`</ul></body></html>`)
	return b.String()
}

func profilePage(sections map[string]string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="sidebar-nav"><ul class="nav">`)
	b.WriteString(`<li><a href="/AkademikArama/view/viewAuthor.jsp">Kişisel Bilgiler</a></li>`)
	for _, label := range []string{"Makaleler", "Dersler", "Yönetilen Tezler", "Projeler"} {
		if href, ok := sections[label]; ok {
			fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, href, label)
		}
	}
	b.WriteString(`</ul></div><img class="img-circle" src="data:image/png;base64,QQ==">`)
	b.WriteString(`<table id="authorlistTb"><tr><td><h4>AYŞE YILMAZ</h4><h6>PROFESÖR</h6>` +
		`<span class="label label-success">Mühendislik</span></td></tr></table>`)
	b.WriteString(`<div class="greenOrcid"><p>ORCID: 0000-0002</p></div>`)
	b.WriteString(`<ul class="timeline"><li class="time-label"><span>2015</span></li>` +
		`<li><div class="timeline-item"><h4>ANKARA ÜNİVERSİTESİ</h4><h5>FEN</h5></div>` +
		`<div class="timeline-footer"><a class="btn">Profesör</a></div></li></ul>`)
	b.WriteString(`<ul class="timeline"><li class="time-label"><span class="bg-default">Öğrenim Bilgisi</span></li>` +
		`<li class="time-label"><span>2000-2005</span></li>` +
		`<li><div class="timeline-item"><h4>ODTÜ</h4></div><div class="timeline-footer"><a class="btn">Doktora</a></div></li></ul>`)
	b.WriteString(`</body></html>`)
	return b.String()
}

const articlesPage = `<table><tbody>
<tr><td>1</td><td>First Paper
A. YILMAZ, B. KAYA
, Yayın Yeri:Journal A
, 2020
https://doi.org/10.1/a</td></tr>
<tr><td>2</td><td>Second Paper
A. YILMAZ
, Yayın Yeri:Journal B
, 2022</td></tr>
</tbody></table>`

const thesesPage = `<table><tbody><tr><td>2019</td><td>ALİ VELİ</td><td>Tez</td><td>ANKARA</td></tr></tbody></table>`

const coursesPage = `<table><tbody><tr><td>2023</td><td>Algoritmalar</td><td>Türkçe</td><td>3</td></tr></tbody></table>`
