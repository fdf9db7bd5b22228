package main

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"log"
	"strings"
	"time"
)

// Result and policy values as they appear in aggregate reports.
const (
	ResultPass = "pass"
	ResultFail = "fail"
	ResultNone = "none"

	AlignmentRelaxed = "r"
	AlignmentStrict  = "s"

	PolicyNone = "none"
)

// Wire format of a DMARC aggregate report, RFC 7489 appendix C.
type feedback struct {
	XMLName         xml.Name           `xml:"feedback"`
	ReportMetadata  xmlReportMetadata  `xml:"report_metadata"`
	PolicyPublished xmlPolicyPublished `xml:"policy_published"`
	Records         []xmlRecord        `xml:"record"`
}

type xmlReportMetadata struct {
	OrgName   string        `xml:"org_name"`
	Email     string        `xml:"email"`
	ReportId  string        `xml:"report_id"`
	DateRange *xmlDateRange `xml:"date_range"`
}

type xmlDateRange struct {
	Begin int64 `xml:"begin"`
	End   int64 `xml:"end"`
}

type xmlPolicyPublished struct {
	Domain string `xml:"domain"`
	Adkim  string `xml:"adkim"`
	Aspf   string `xml:"aspf"`
	P      string `xml:"p"`
	Sp     string `xml:"sp"`
	Pct    *int   `xml:"pct"`
}

type xmlRecord struct {
	Row         xmlRow         `xml:"row"`
	Identifiers xmlIdentifiers `xml:"identifiers"`
	AuthResults xmlAuthResults `xml:"auth_results"`
}

type xmlRow struct {
	SourceIp        string             `xml:"source_ip"`
	Count           int                `xml:"count"`
	PolicyEvaluated xmlPolicyEvaluated `xml:"policy_evaluated"`
}

type xmlPolicyEvaluated struct {
	Disposition string `xml:"disposition"`
	Dkim        string `xml:"dkim"`
	Spf         string `xml:"spf"`
}

type xmlIdentifiers struct {
	HeaderFrom   string `xml:"header_from"`
	EnvelopeFrom string `xml:"envelope_from"`
	EnvelopeTo   string `xml:"envelope_to"`
}

type xmlAuthResults struct {
	Dkim []xmlDkimAuth `xml:"dkim"`
	Spf  []xmlSpfAuth  `xml:"spf"`
}

type xmlDkimAuth struct {
	Domain   string `xml:"domain"`
	Selector string `xml:"selector"`
	Result   string `xml:"result"`
}

type xmlSpfAuth struct {
	Domain string `xml:"domain"`
	Result string `xml:"result"`
}

// ParseReport parses one aggregate report document into its normalized form.
// Records missing source_ip or a positive count are skipped, not fatal;
// missing metadata (org_name, report_id, date_range) or a missing policy
// domain is fatal. Aggregate pass/fail counts weight each record by its
// count and apply adkim/aspf alignment against the header-from domain.
func ParseReport(data []byte) (*ParsedReport, error) {
	var fb feedback
	// Strict decoding: undefined entity references are rejected, and
	// encoding/xml never reads DTDs or external entities.
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	if e := dec.Decode(&fb); e != nil {
		return nil, fmt.Errorf("malformed report XML: %v", e)
	}

	md := fb.ReportMetadata
	if md.OrgName == "" {
		return nil, fmt.Errorf("report missing org_name")
	}
	if md.ReportId == "" {
		return nil, fmt.Errorf("report missing report_id")
	}
	if md.DateRange == nil || md.DateRange.Begin == 0 || md.DateRange.End == 0 {
		return nil, fmt.Errorf("report %v missing date_range", md.ReportId)
	}
	if fb.PolicyPublished.Domain == "" {
		return nil, fmt.Errorf("report %v missing policy domain", md.ReportId)
	}

	report := &ParsedReport{
		OrgName:  md.OrgName,
		Email:    md.Email,
		ReportId: md.ReportId,
		Begin:    time.Unix(md.DateRange.Begin, 0).UTC(),
		End:      time.Unix(md.DateRange.End, 0).UTC(),
		Policy:   publishedPolicy(fb.PolicyPublished),
	}

	for _, xr := range fb.Records {
		rec, ok := convertRecord(xr)
		if !ok {
			log.Printf("Skipping record without source_ip/count in report %v from %v",
				report.ReportId, report.OrgName)
			report.SkippedRecords++
			continue
		}
		report.Records = append(report.Records, rec)
		report.TotalCount += rec.Count
		if recordPasses(rec, &report.Policy) {
			report.PassCount += rec.Count
		}
	}
	report.FailCount = report.TotalCount - report.PassCount
	return report, nil
}

func publishedPolicy(pp xmlPolicyPublished) PublishedPolicy {
	p := PublishedPolicy{
		Domain:          pp.Domain,
		Adkim:           defaultString(pp.Adkim, AlignmentRelaxed),
		Aspf:            defaultString(pp.Aspf, AlignmentRelaxed),
		Policy:          defaultString(pp.P, PolicyNone),
		SubdomainPolicy: defaultString(pp.Sp, PolicyNone),
		Percent:         100,
	}
	if pp.Pct != nil {
		p.Percent = *pp.Pct
	}
	return p
}

func convertRecord(xr xmlRecord) (*Record, bool) {
	if xr.Row.SourceIp == "" || xr.Row.Count < 1 {
		return nil, false
	}
	rec := &Record{
		SourceIp:     xr.Row.SourceIp,
		Count:        xr.Row.Count,
		Disposition:  defaultString(xr.Row.PolicyEvaluated.Disposition, ResultNone),
		DkimResult:   defaultString(xr.Row.PolicyEvaluated.Dkim, ResultFail),
		SpfResult:    defaultString(xr.Row.PolicyEvaluated.Spf, ResultFail),
		HeaderFrom:   xr.Identifiers.HeaderFrom,
		EnvelopeFrom: xr.Identifiers.EnvelopeFrom,
		EnvelopeTo:   xr.Identifiers.EnvelopeTo,
	}
	// Multi-signature reports carry several auth_results entries; only the
	// first dkim and first spf entry are retained.
	if len(xr.AuthResults.Dkim) > 0 {
		rec.DkimDomain = xr.AuthResults.Dkim[0].Domain
		rec.DkimSelector = xr.AuthResults.Dkim[0].Selector
	}
	if len(xr.AuthResults.Spf) > 0 {
		rec.SpfDomain = xr.AuthResults.Spf[0].Domain
	}
	return rec, true
}

// recordPasses applies the effective DMARC result: pass when DKIM or SPF
// passed AND the corresponding authenticated domain aligns with the
// header-from domain under the published alignment mode.
func recordPasses(rec *Record, policy *PublishedPolicy) bool {
	headerFrom := rec.HeaderFrom
	if headerFrom == "" {
		// Old reports sometimes omit identifiers; fall back to the
		// policy domain so they still aggregate.
		headerFrom = policy.Domain
	}
	if rec.DkimResult == ResultPass && domainsAligned(rec.DkimDomain, headerFrom, policy.Adkim) {
		return true
	}
	if rec.SpfResult == ResultPass && domainsAligned(rec.SpfDomain, headerFrom, policy.Aspf) {
		return true
	}
	return false
}

// domainsAligned implements adkim/aspf alignment. Strict requires an exact
// match. Relaxed accepts one domain being a parent of the other on a label
// boundary, e.g. example.com aligns with mail.example.com.
func domainsAligned(authDomain, headerFrom, mode string) bool {
	if authDomain == "" || headerFrom == "" {
		return false
	}
	a := strings.ToLower(strings.TrimSuffix(authDomain, "."))
	h := strings.ToLower(strings.TrimSuffix(headerFrom, "."))
	if a == h {
		return true
	}
	if mode == AlignmentStrict {
		return false
	}
	return strings.HasSuffix(h, "."+a) || strings.HasSuffix(a, "."+h)
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
