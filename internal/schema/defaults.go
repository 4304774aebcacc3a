package schema

// Documented defaults applied by the mapper when a source field is absent.
// Missing dates and free-text contact fields stay NULL.
const (
	DefaultCustomerType   = "residential"
	DefaultJobStatus      = "scheduled"
	DefaultEstimateStatus = "draft"
	DefaultInvoiceStatus  = "unpaid"
	DefaultTicketStatus   = "open"
	DefaultTicketPriority = "normal"
	DefaultContentType    = "application/octet-stream"
)

// DefaultDefinitions returns the field-service entity definitions in declaration order.
func DefaultDefinitions() []*Definition {
	idSource := []string{"id", "external_id"}
	customerRel := Relation{Column: "customer_id", Target: Customers, Source: []string{"customer_id", "customer.id"}}
	jobRel := Relation{Column: "job_id", Target: Jobs, Source: []string{"job_id", "job.id", "project_id"}}

	return []*Definition{
		{
			Type:     Customers,
			Table:    "customers",
			IDSource: idSource,
			Columns: []Column{
				{Name: "name", Kind: KindText, Source: []string{"name", "display_name", "full_name"}, Required: true},
				{Name: "email", Kind: KindText, Source: []string{"email", "contact.email"}},
				{Name: "phone", Kind: KindText, Source: []string{"phone", "phone_number", "contact.phone"}},
				{Name: "address", Kind: KindText, Source: []string{"address", "address.street"}},
				{Name: "customer_type", Kind: KindText, Source: []string{"type", "customer_type"}, Default: DefaultCustomerType},
				{Name: "balance_minor", Kind: KindMoney, Source: []string{"balance", "balance_due"}, Default: int64(0)},
				{Name: "source_created_on", Kind: KindDate, Source: []string{"created_at", "created_on"}},
			},
		},
		{
			Type:     Jobs,
			Table:    "jobs",
			IDSource: idSource,
			Columns: []Column{
				{Name: "name", Kind: KindText, Source: []string{"name", "title", "job_number"}, Required: true},
				{Name: "status", Kind: KindText, Source: []string{"status", "job_status"}, Default: DefaultJobStatus},
				{Name: "scheduled_on", Kind: KindDate, Source: []string{"scheduled_start", "scheduled_on", "start_date"}},
				{Name: "completed_on", Kind: KindDate, Source: []string{"completed_at", "completed_on"}},
				{Name: "total_minor", Kind: KindMoney, Source: []string{"total", "total_amount"}, Default: int64(0)},
			},
			Relations: []Relation{customerRel},
		},
		{
			Type:     Estimates,
			Table:    "estimates",
			IDSource: idSource,
			Columns: []Column{
				{Name: "number", Kind: KindText, Source: []string{"number", "estimate_number", "name"}, Required: true},
				{Name: "status", Kind: KindText, Source: []string{"status"}, Default: DefaultEstimateStatus},
				{Name: "total_minor", Kind: KindMoney, Source: []string{"total", "amount"}, Default: int64(0)},
				{Name: "issued_on", Kind: KindDate, Source: []string{"issued_at", "issued_on", "created_at"}},
			},
			Relations: []Relation{customerRel, jobRel},
		},
		{
			Type:     Invoices,
			Table:    "invoices",
			IDSource: idSource,
			Columns: []Column{
				{Name: "number", Kind: KindText, Source: []string{"number", "invoice_number"}, Required: true},
				{Name: "status", Kind: KindText, Source: []string{"status"}, Default: DefaultInvoiceStatus},
				{Name: "total_minor", Kind: KindMoney, Source: []string{"total", "amount"}, Default: int64(0)},
				{Name: "balance_minor", Kind: KindMoney, Source: []string{"balance", "amount_due"}, Default: int64(0)},
				{Name: "issued_on", Kind: KindDate, Source: []string{"issued_at", "invoice_date"}},
				{Name: "due_on", Kind: KindDate, Source: []string{"due_at", "due_date"}},
			},
			Relations: []Relation{customerRel, jobRel},
		},
		{
			Type:     Tickets,
			Table:    "tickets",
			IDSource: idSource,
			Columns: []Column{
				{Name: "subject", Kind: KindText, Source: []string{"subject", "title", "summary"}, Required: true},
				{Name: "status", Kind: KindText, Source: []string{"status"}, Default: DefaultTicketStatus},
				{Name: "priority", Kind: KindText, Source: []string{"priority"}, Default: DefaultTicketPriority},
			},
			Relations: []Relation{customerRel, jobRel},
		},
		{
			Type:     Files,
			Table:    "files",
			IDSource: idSource,
			Columns: []Column{
				{Name: "filename", Kind: KindText, Source: []string{"filename", "name", "file_name"}, Required: true},
				{Name: "content_type", Kind: KindText, Source: []string{"content_type", "mime_type"}, Default: DefaultContentType},
				{Name: "url", Kind: KindText, Source: []string{"url", "download_url"}},
				{Name: "size_bytes", Kind: KindInteger, Source: []string{"size", "size_bytes"}, Default: int64(0)},
			},
			Relations: []Relation{jobRel},
		},
	}
}

// DefaultCatalog returns the catalog of the built-in entity types.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultDefinitions()...)
	if err != nil {
		// The built-in definitions are static; failure here is a programming error.
		panic(err)
	}
	return c
}
