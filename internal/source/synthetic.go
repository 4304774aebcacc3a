package source

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// DefaultSyntheticCount is the number of records generated per entity type.
const DefaultSyntheticCount = 25

// SyntheticSource generates a deterministic set of placeholder records so a
// run can still populate the store when the real API is unusable. Records
// carry external ids in the reserved SYN- namespace and reference only
// synthetic parents.
type SyntheticSource struct {
	catalog *schema.Catalog
	seed    int64
	count   int
	epoch   time.Time
}

// NewSyntheticSource creates a generator. count <= 0 selects DefaultSyntheticCount.
func NewSyntheticSource(catalog *schema.Catalog, seed int64, count int) *SyntheticSource {
	if count <= 0 {
		count = DefaultSyntheticCount
	}
	return &SyntheticSource{
		catalog: catalog,
		seed:    seed,
		count:   count,
		epoch:   time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Name implements Source.
func (s *SyntheticSource) Name() string { return "synthetic" }

// Provenance implements Source.
func (s *SyntheticSource) Provenance() schema.Provenance { return schema.ProvenanceSynthetic }

// Count returns how many records are generated per entity type.
func (s *SyntheticSource) Count() int { return s.count }

// FetchPage implements Source.
func (s *SyntheticSource) FetchPage(ctx context.Context, entityType schema.EntityType, cursor Cursor) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	def, err := s.catalog.Lookup(entityType)
	if err != nil {
		return Page{}, err
	}
	if cursor.Size <= 0 {
		cursor = FirstCursor(defaultPageSize)
	}
	if cursor.Page <= 0 {
		cursor = cursor.At(1)
	}

	start := cursor.Offset
	end := min(start+cursor.Size, s.count)
	page := Page{
		Cursor:     cursor,
		Next:       cursor.Next(),
		Total:      s.count,
		TotalPages: (s.count + cursor.Size - 1) / cursor.Size,
		HasMore:    end < s.count,
	}
	for i := start; i < end; i++ {
		page.Records = append(page.Records, s.record(def, i+1))
	}
	return page, nil
}

// SyntheticID returns the external id of the n-th (1-based) synthetic record of t.
func SyntheticID(t schema.EntityType, n int) string {
	return fmt.Sprintf("%s%s-%06d", schema.SyntheticPrefix, abbreviation(t), n)
}

func abbreviation(t schema.EntityType) string {
	switch t {
	case schema.Customers:
		return "CUS"
	case schema.Jobs:
		return "JOB"
	case schema.Estimates:
		return "EST"
	case schema.Invoices:
		return "INV"
	case schema.Tickets:
		return "TIC"
	case schema.Files:
		return "FIL"
	}
	s := strings.ToUpper(string(t))
	if len(s) > 3 {
		s = s[:3]
	}
	return s
}

// rng returns a generator seeded from the source seed, the type and the
// record number, so any record can be regenerated on its own.
func (s *SyntheticSource) rng(t schema.EntityType, n int) *rand.Rand {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%s/%d", s.seed, t, n)
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

var (
	firstNames = []string{"Ava", "Ben", "Carla", "Dev", "Elena", "Farid", "Grace", "Hugo", "Iris", "Jonah"}
	lastNames  = []string{"Alvarez", "Brooks", "Chen", "Dubois", "Evans", "Fischer", "Garcia", "Haddad", "Ito", "Jensen"}
	streets    = []string{"Maple Ave", "Oak St", "Pine Rd", "Cedar Ln", "Elm Ct", "Birch Way"}
	jobKinds   = []string{"HVAC tune-up", "Water heater install", "Panel upgrade", "Leak repair", "Duct cleaning", "Roof inspection"}
	subjects   = []string{"Follow-up visit", "Billing question", "Warranty claim", "Reschedule request", "Noise complaint"}
	fileKinds  = []struct{ ext, mime string }{{"jpg", "image/jpeg"}, {"pdf", "application/pdf"}, {"png", "image/png"}}
)

func pick[T any](r *rand.Rand, xs []T) T {
	return xs[r.Intn(len(xs))]
}

func (s *SyntheticSource) record(def *schema.Definition, n int) Record {
	r := s.rng(def.Type, n)
	id := SyntheticID(def.Type, n)
	day := func(maxDays int) string {
		return s.epoch.AddDate(0, 0, r.Intn(maxDays)).Format(time.DateOnly)
	}
	money := func(maxCents int) string {
		c := r.Intn(maxCents)
		return fmt.Sprintf("%d.%02d", c/100, c%100)
	}

	rec := Record{"id": id}
	switch def.Type {
	case schema.Customers:
		first, last := pick(r, firstNames), pick(r, lastNames)
		rec["name"] = first + " " + last
		rec["email"] = strings.ToLower(first+"."+last) + fmt.Sprintf("+%d@example.invalid", n)
		rec["phone"] = fmt.Sprintf("555-%04d", r.Intn(10000))
		rec["address"] = fmt.Sprintf("%d %s", 100+r.Intn(900), pick(r, streets))
		rec["balance"] = money(50000)
		rec["created_at"] = day(365)
	case schema.Jobs:
		rec["name"] = pick(r, jobKinds)
		rec["status"] = pick(r, []string{"scheduled", "in_progress", "completed"})
		rec["scheduled_start"] = day(365)
		rec["total"] = money(500000)
	case schema.Estimates:
		rec["number"] = fmt.Sprintf("E-%05d", n)
		rec["status"] = pick(r, []string{"draft", "sent", "accepted"})
		rec["total"] = money(800000)
		rec["issued_at"] = day(365)
	case schema.Invoices:
		total := r.Intn(800000)
		rec["number"] = fmt.Sprintf("I-%05d", n)
		rec["status"] = pick(r, []string{"unpaid", "paid", "partial"})
		rec["total"] = fmt.Sprintf("%d.%02d", total/100, total%100)
		rec["balance"] = fmt.Sprintf("%d.%02d", total/200, total/2%100)
		rec["issued_at"] = day(300)
		rec["due_at"] = day(365)
	case schema.Tickets:
		rec["subject"] = pick(r, subjects)
		rec["status"] = pick(r, []string{"open", "pending", "closed"})
		rec["priority"] = pick(r, []string{"low", "normal", "high"})
	case schema.Files:
		k := pick(r, fileKinds)
		rec["filename"] = fmt.Sprintf("attachment-%06d.%s", n, k.ext)
		rec["content_type"] = k.mime
		rec["size"] = r.Intn(5 << 20)
	default:
		for _, c := range def.Columns {
			if c.Required && len(c.Source) > 0 {
				rec[c.Source[0]] = fmt.Sprintf("%s %d", def.Type, n)
			}
		}
	}

	for _, rel := range def.Relations {
		if len(rel.Source) == 0 {
			continue
		}
		rec[rel.Source[0]] = SyntheticID(rel.Target, 1+r.Intn(s.count))
	}
	return rec
}
