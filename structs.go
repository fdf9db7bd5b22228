package main

import (
	"strconv"
	"time"
)

type HasId struct {
	Id int64 `json:"id"`
}

type Usr struct {
	HasId
	Email string `json:"email"`
	Admin bool   `json:"admin"`
}

// One IMAP mailbox we poll for aggregate reports on behalf of a user.
// Password is stored encrypted, see crypto.go.
type ImapConfig struct {
	HasId
	UserId       int64
	Name         string
	Host         string
	Port         int
	Username     string
	PasswordEnc  string
	UseTls       bool
	Folder       string
	Active       bool
	LastPolledAt *time.Time
}

func (c *ImapConfig) Addr() string {
	host := c.Host
	port := c.Port
	if port == 0 {
		port = 993
	}
	return host + ":" + strconv.Itoa(port)
}

// Report statuses
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Published policy values from the report's policy_published element.
type PublishedPolicy struct {
	Domain          string
	Adkim           string // "r" or "s"
	Aspf            string // "r" or "s"
	Policy          string // p
	SubdomainPolicy string // sp
	Percent         int    // pct
}

// ParsedReport is the normalized form of one DMARC aggregate XML document.
type ParsedReport struct {
	OrgName        string
	Email          string
	ReportId       string
	Begin          time.Time
	End            time.Time
	Policy         PublishedPolicy
	Records        []*Record
	TotalCount     int
	PassCount      int
	FailCount      int
	SkippedRecords int
}

// Record is one per-source-IP row of a report. Count is a weight, not a
// row multiplicity. Only the first dkim and first spf auth result are kept.
type Record struct {
	HasId
	ReportId     int64  `json:"report_id"`
	SourceIp     string `json:"source_ip"`
	Count        int    `json:"count"`
	Disposition  string `json:"disposition"`
	DkimResult   string `json:"dkim_result"`
	SpfResult    string `json:"spf_result"`
	DkimDomain   string `json:"dkim_domain"`
	DkimSelector string `json:"dkim_selector"`
	SpfDomain    string `json:"spf_domain"`
	HeaderFrom   string `json:"header_from"`
	EnvelopeFrom string `json:"envelope_from"`
	EnvelopeTo   string `json:"envelope_to"`
}

// Report is the persisted form of a ParsedReport plus derived aggregates.
type Report struct {
	HasId
	UserId       int64     `json:"user_id"`
	ConfigId     *int64    `json:"config_id"`
	OrgName      string    `json:"org_name"`
	Email        string    `json:"email"`
	ReportId     string    `json:"report_id"`
	Domain       string    `json:"domain"`
	Begin        time.Time `json:"date_range_begin"`
	End          time.Time `json:"date_range_end"`
	Policy       string    `json:"domain_policy"`
	SubPolicy    string    `json:"subdomain_policy"`
	Percent      int       `json:"policy_percentage"`
	Adkim        string    `json:"adkim"`
	Aspf         string    `json:"aspf"`
	TotalCount   int       `json:"total_records"`
	PassCount    int       `json:"pass_count"`
	FailCount    int       `json:"fail_count"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

type AuditLog struct {
	HasId
	UserId     int64
	Action     string
	ResourceId string
	Details    string
	Timestamp  time.Time
}

// SourceCount is a per-source-IP aggregate across all of a user's stored
// records. Failed tallies raw dkim/spf failures.
type SourceCount struct {
	SourceIp string `json:"source_ip"`
	Total    int    `json:"total"`
	Failed   int    `json:"failed"`
}

// RunError is a single classified failure recorded during a poll run.
// Kind is one of "authentication", "ssl", "network", "decode", "parse",
// "storage", "rate_limited"; Detail carries the raw provider error string.
type RunError struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject,omitempty"`
	Detail  string `json:"detail"`
}

// RunStats summarises one Poller.Process invocation for one config.
type RunStats struct {
	ConfigId     int64
	MessagesSeen int
	Inserted     int
	Duplicates   int
	Errors       []RunError
}

func (s *RunStats) ErrorCount() int {
	return len(s.Errors)
}
