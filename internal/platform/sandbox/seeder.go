// Package sandbox generates reproducible demo accounts and documents for
// development environments. It only plans the data; callers create it
// through the normal services so every invariant still applies.
package sandbox

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	Doctors           int    `json:"doctors"`
	Patients          int    `json:"patients"`
	RecordsPerPatient int    `json:"records_per_patient"`
	SharesPerRecord   int    `json:"shares_per_record"`
	Password          string `json:"-"`
	Domain            string `json:"domain"`
	Seed              int64  `json:"seed"`
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Doctors:           5,
		Patients:          10,
		RecordsPerPatient: 3,
		SharesPerRecord:   1,
		Password:          "sandbox-password",
		Domain:            "sandbox.medvault.test",
		Seed:              1,
	}
}

type DoctorProfile struct {
	Email           string
	FullName        string
	Specialization  string
	YearsExperience int
	Phone           string
}

type PatientProfile struct {
	Email       string
	FullName    string
	DateOfBirth string // YYYY-MM-DD
	Phone       string
	Documents   []Document
}

// Document is one record a patient uploads. ShareWith holds indexes into
// Plan.Doctors.
type Document struct {
	Title     string
	Category  string
	FileName  string
	Body      []byte
	ShareWith []int
}

// Plan is everything a seed run creates, in creation order.
type Plan struct {
	Doctors  []DoctorProfile
	Patients []PatientProfile
}

var (
	firstNames = []string{
		"James", "Mary", "Robert", "Patricia", "John", "Jennifer", "Michael",
		"Linda", "David", "Elizabeth", "William", "Susan", "Richard", "Jessica",
		"Joseph", "Sarah", "Thomas", "Karen", "Daniel", "Nancy", "Amara",
		"Kofi", "Priya", "Wei", "Yuki", "Mateo", "Fatima", "Olga",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
		"Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez", "Wilson",
		"Anderson", "Taylor", "Moore", "Okafor", "Nguyen", "Patel", "Kim",
	}
	specializations = []string{
		"General Practice", "Cardiology", "Dermatology", "Endocrinology",
		"Neurology", "Orthopedics", "Pediatrics", "Radiology",
	}
)

// documentTitles maps record categories to plausible titles.
var documentTitles = map[string][]string{
	"Physical Examination": {"Annual physical", "Pre-employment exam", "Sports clearance"},
	"Laboratory":           {"Complete blood count", "Lipid panel", "HbA1c", "Thyroid panel", "Urinalysis"},
	"Imaging":              {"Chest X-ray", "Knee MRI", "Abdominal ultrasound", "Head CT"},
	"Prescription":         {"Metformin 500mg", "Lisinopril 10mg", "Amoxicillin 250mg"},
	"Other":                {"Vaccination card", "Referral letter", "Discharge summary"},
}

// Categories lists the record categories documents are drawn from.
var Categories = []string{"Physical Examination", "Laboratory", "Imaging", "Prescription", "Other"}

// DataGenerator produces profiles from a seeded source so the same seed
// always yields the same data.
type DataGenerator struct {
	rng     *rand.Rand
	domain  string
	counter int
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64, domain string) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if domain == "" {
		domain = "sandbox.medvault.test"
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed)), domain: domain}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) name() (first, last string) {
	return g.pick(firstNames), g.pick(lastNames)
}

// email is unique per generator even when names repeat.
func (g *DataGenerator) email(prefix, first, last string) string {
	g.counter++
	return fmt.Sprintf("%s.%s.%s.%d@%s", prefix, strings.ToLower(first), strings.ToLower(last), g.counter, g.domain)
}

func (g *DataGenerator) phone() string {
	return fmt.Sprintf("+1-%03d-%03d-%04d", 200+g.rng.Intn(800), 200+g.rng.Intn(800), g.rng.Intn(10000))
}

func (g *DataGenerator) GenerateDoctor() DoctorProfile {
	first, last := g.name()
	return DoctorProfile{
		Email:           g.email("dr", first, last),
		FullName:        "Dr. " + first + " " + last,
		Specialization:  g.pick(specializations),
		YearsExperience: 1 + g.rng.Intn(35),
		Phone:           g.phone(),
	}
}

func (g *DataGenerator) GeneratePatient() PatientProfile {
	first, last := g.name()
	dob := time.Date(1940+g.rng.Intn(65), time.Month(1+g.rng.Intn(12)), 1+g.rng.Intn(28), 0, 0, 0, 0, time.UTC)
	return PatientProfile{
		Email:       g.email("pt", first, last),
		FullName:    first + " " + last,
		DateOfBirth: dob.Format("2006-01-02"),
		Phone:       g.phone(),
	}
}

func (g *DataGenerator) GenerateDocument() Document {
	category := g.pick(Categories)
	title := g.pick(documentTitles[category])
	slug := strings.ToLower(strings.NewReplacer(" ", "-", ".", "").Replace(title))
	return Document{
		Title:    title,
		Category: category,
		FileName: slug + ".pdf",
		Body:     minimalPDF(title),
	}
}

// Seeder turns a SeedConfig into a Plan.
type Seeder struct {
	config SeedConfig
	gen    *DataGenerator
}

func NewSeeder(config SeedConfig) *Seeder {
	return &Seeder{config: config, gen: NewDataGenerator(config.Seed, config.Domain)}
}

// Plan generates doctors first, then patients with their documents. Each
// document is shared with up to SharesPerRecord distinct doctors.
func (s *Seeder) Plan() (*Plan, error) {
	c := s.config
	if c.Doctors < 0 || c.Patients < 0 || c.RecordsPerPatient < 0 || c.SharesPerRecord < 0 {
		return nil, fmt.Errorf("seed counts must not be negative")
	}
	if c.SharesPerRecord > c.Doctors {
		return nil, fmt.Errorf("cannot share each record with %d doctors when only %d exist", c.SharesPerRecord, c.Doctors)
	}

	plan := &Plan{
		Doctors:  make([]DoctorProfile, 0, c.Doctors),
		Patients: make([]PatientProfile, 0, c.Patients),
	}
	for i := 0; i < c.Doctors; i++ {
		plan.Doctors = append(plan.Doctors, s.gen.GenerateDoctor())
	}
	for i := 0; i < c.Patients; i++ {
		p := s.gen.GeneratePatient()
		for j := 0; j < c.RecordsPerPatient; j++ {
			doc := s.gen.GenerateDocument()
			if c.SharesPerRecord > 0 {
				doc.ShareWith = s.gen.rng.Perm(c.Doctors)[:c.SharesPerRecord]
			}
			p.Documents = append(p.Documents, doc)
		}
		plan.Patients = append(plan.Patients, p)
	}
	return plan, nil
}

// minimalPDF renders a one-page PDF that shows title. Offsets in the xref
// table are computed so readers accept the file.
func minimalPDF(title string) []byte {
	text := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(title)
	stream := fmt.Sprintf("BT /F1 18 Tf 72 720 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.Bytes()
}
