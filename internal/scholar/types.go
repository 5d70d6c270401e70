// Package scholar defines the records scraped from YÖK Akademik and
// persisted by the repository.
package scholar

// Stub is a candidate found on a department listing page.
type Stub struct {
	ExternalID  string
	FullName    string
	Title       string
	ProfileURL  string
	Institution string
	Department  string
	Email       string
	ImageData   string
	// ResearchAreas are the interest links listed under the name.
	ResearchAreas []string
}

// Department is the parent context a listing page belongs to.
type Department struct {
	ID             int64
	UniversityID   int64
	Name           string
	UniversityName string
	URL            string
}

// Profile is everything parsed from a scholar's primary page.
type Profile struct {
	ExternalID    string
	FullName      string
	Title         string
	Email         string
	ORCID         string
	ImageData     string
	ResearchAreas []string
	Institution   string
	Department    string
	Education     []Education
	Academic      []AcademicPosition
}

// ProfileUpdate carries profile fields; nil or empty values keep the stored value.
type ProfileUpdate struct {
	FullName      *string
	Title         *string
	Email         *string
	ORCID         *string
	ResearchAreas []string
}

// Education is one row of education_history.
type Education struct {
	YearRange      string
	Degree         string
	University     string
	DepartmentInfo string
	ThesisTitle    string
}

// AcademicPosition is one row of academic_history.
type AcademicPosition struct {
	Year           string
	Position       string
	University     string
	DepartmentInfo string
}

// Publication categories as they appear in profile sub-page URLs.
const (
	CategoryArticles    = "makaleler"
	CategoryProceedings = "bildiriler"
	CategoryBooks       = "kitaplar"
)

// Publication is one row of publication.
type Publication struct {
	Title    string
	Year     int
	DOI      string
	Venue    string
	Type     string
	Index    string
	Category string
	Authors  []string
}

// Course is one row of course.
type Course struct {
	AcademicYear string
	Name         string
	Language     string
	Hours        string
}

// ThesisSupervision is one row of thesis_supervision.
type ThesisSupervision struct {
	Year        string
	StudentName string
	Title       string
	Institution string
}

// AdministrativeDuty is one row of administrative_duty.
type AdministrativeDuty struct {
	YearRange string
	Title     string
	Content   string
}

// SectionKind names a profile sub-page.
type SectionKind string

// Sub-pages linked from a profile's sidebar.
const (
	SectionArticles    SectionKind = "makaleler"
	SectionProceedings SectionKind = "bildiriler"
	SectionBooks       SectionKind = "kitaplar"
	SectionCourses     SectionKind = "dersler"
	SectionTheses      SectionKind = "yonetilen_tezler"
	SectionDuties      SectionKind = "idari_gorevler"
)

// Sections is the detail graph gathered from sub-pages. Absent sections
// stay nil.
type Sections struct {
	Publications []Publication
	Courses      []Course
	Theses       []ThesisSupervision
	Duties       []AdministrativeDuty
}

// Merge appends other's rows into s.
func (s *Sections) Merge(other Sections) {
	s.Publications = append(s.Publications, other.Publications...)
	s.Courses = append(s.Courses, other.Courses...)
	s.Theses = append(s.Theses, other.Theses...)
	s.Duties = append(s.Duties, other.Duties...)
}
