package main

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleReportXml = `<?xml version="1.0" encoding="UTF-8" ?>
<feedback>
  <report_metadata>
    <org_name>google.com</org_name>
    <email>noreply-dmarc-support@google.com</email>
    <report_id>15072545285105560026</report_id>
    <date_range>
      <begin>1561852800</begin>
      <end>1561939199</end>
    </date_range>
  </report_metadata>
  <policy_published>
    <domain>looshiglobal.com</domain>
    <adkim>s</adkim>
    <aspf>r</aspf>
    <p>none</p>
    <sp>none</sp>
    <pct>100</pct>
  </policy_published>
  <record>
    <row>
      <source_ip>209.85.220.69</source_ip>
      <count>1</count>
      <policy_evaluated>
        <disposition>none</disposition>
        <dkim>pass</dkim>
        <spf>pass</spf>
      </policy_evaluated>
    </row>
    <identifiers>
      <header_from>looshiglobal.com</header_from>
    </identifiers>
    <auth_results>
      <dkim>
        <domain>looshiglobal.com</domain>
        <result>pass</result>
        <selector>default</selector>
      </dkim>
      <spf>
        <domain>looshiglobal.com</domain>
        <result>pass</result>
      </spf>
    </auth_results>
  </record>
</feedback>`

func TestParseReportScenario(t *testing.T) {
	report, e := ParseReport([]byte(sampleReportXml))
	if e != nil {
		t.Fatal(e)
	}
	if report.OrgName != "google.com" {
		t.Errorf("OrgName = %v", report.OrgName)
	}
	if report.ReportId != "15072545285105560026" {
		t.Errorf("ReportId = %v", report.ReportId)
	}
	if report.Policy.Domain != "looshiglobal.com" {
		t.Errorf("Domain = %v", report.Policy.Domain)
	}
	if !report.Begin.Equal(time.Unix(1561852800, 0)) {
		t.Errorf("Begin = %v", report.Begin)
	}
	if report.TotalCount != 1 || report.PassCount != 1 || report.FailCount != 0 {
		t.Errorf("aggregates = %d/%d/%d, want 1/1/0",
			report.TotalCount, report.PassCount, report.FailCount)
	}

	want := &Record{
		SourceIp:     "209.85.220.69",
		Count:        1,
		Disposition:  "none",
		DkimResult:   "pass",
		SpfResult:    "pass",
		DkimDomain:   "looshiglobal.com",
		DkimSelector: "default",
		SpfDomain:    "looshiglobal.com",
		HeaderFrom:   "looshiglobal.com",
	}
	if len(report.Records) != 1 {
		t.Fatalf("got %d records", len(report.Records))
	}
	if diff := cmp.Diff(want, report.Records[0]); diff != "" {
		t.Errorf("record mismatch: %s", diff)
	}
}

func reportWith(adkim, headerFrom, dkimDomain string, count int) string {
	return `<feedback>
  <report_metadata>
    <org_name>test.org</org_name>
    <report_id>id-` + adkim + headerFrom + `</report_id>
    <date_range><begin>1700000000</begin><end>1700086400</end></date_range>
  </report_metadata>
  <policy_published>
    <domain>example.com</domain>
    <adkim>` + adkim + `</adkim>
  </policy_published>
  <record>
    <row>
      <source_ip>192.0.2.1</source_ip>
      <count>` + strconv.Itoa(count) + `</count>
      <policy_evaluated><dkim>pass</dkim><spf>fail</spf></policy_evaluated>
    </row>
    <identifiers><header_from>` + headerFrom + `</header_from></identifiers>
    <auth_results>
      <dkim><domain>` + dkimDomain + `</domain><result>pass</result></dkim>
    </auth_results>
  </record>
</feedback>`
}

func TestAlignmentRelaxedVsStrict(t *testing.T) {
	relaxed, e := ParseReport([]byte(reportWith("r", "mail.example.com", "example.com", 1)))
	if e != nil {
		t.Fatal(e)
	}
	if relaxed.PassCount != 1 || relaxed.FailCount != 0 {
		t.Errorf("relaxed: pass=%d fail=%d, want 1/0", relaxed.PassCount, relaxed.FailCount)
	}

	strict, e := ParseReport([]byte(reportWith("s", "mail.example.com", "example.com", 1)))
	if e != nil {
		t.Fatal(e)
	}
	if strict.PassCount != 0 || strict.FailCount != 1 {
		t.Errorf("strict: pass=%d fail=%d, want 0/1", strict.PassCount, strict.FailCount)
	}

	// Strict still passes on an exact match
	exact, e := ParseReport([]byte(reportWith("s", "example.com", "example.com", 1)))
	if e != nil {
		t.Fatal(e)
	}
	if exact.PassCount != 1 {
		t.Errorf("strict exact: pass=%d, want 1", exact.PassCount)
	}
}

func TestCountWeighting(t *testing.T) {
	report, e := ParseReport([]byte(reportWith("r", "example.com", "example.com", 50)))
	if e != nil {
		t.Fatal(e)
	}
	if report.TotalCount != 50 || report.PassCount != 50 || report.FailCount != 0 {
		t.Errorf("aggregates = %d/%d/%d, want 50/50/0",
			report.TotalCount, report.PassCount, report.FailCount)
	}
	if len(report.Records) != 1 {
		t.Errorf("got %d records, want 1 weighted record", len(report.Records))
	}
}

const partialReportXml = `<feedback>
  <report_metadata>
    <org_name>test.org</org_name>
    <report_id>partial-1</report_id>
    <date_range><begin>1700000000</begin><end>1700086400</end></date_range>
  </report_metadata>
  <policy_published><domain>example.com</domain></policy_published>
  <record>
    <row><source_ip>192.0.2.1</source_ip><count>2</count></row>
  </record>
  <record>
    <row><count>3</count></row>
  </record>
  <record>
    <row><source_ip>192.0.2.2</source_ip><count>4</count></row>
  </record>
  <record>
    <row><source_ip>192.0.2.3</source_ip><count>5</count></row>
  </record>
  <record>
    <row><source_ip>192.0.2.4</source_ip><count>6</count></row>
  </record>
</feedback>`

func TestPartialTolerance(t *testing.T) {
	report, e := ParseReport([]byte(partialReportXml))
	if e != nil {
		t.Fatal(e)
	}
	if len(report.Records) != 4 {
		t.Errorf("got %d records, want 4", len(report.Records))
	}
	if report.SkippedRecords != 1 {
		t.Errorf("SkippedRecords = %d, want 1", report.SkippedRecords)
	}
	if report.TotalCount != 17 {
		t.Errorf("TotalCount = %d, want 17", report.TotalCount)
	}
	// Document order preserved
	ips := []string{}
	for _, rec := range report.Records {
		ips = append(ips, rec.SourceIp)
	}
	want := []string{"192.0.2.1", "192.0.2.2", "192.0.2.3", "192.0.2.4"}
	if diff := cmp.Diff(want, ips); diff != "" {
		t.Errorf("record order: %s", diff)
	}
}

func TestParseDefaults(t *testing.T) {
	xmlData := `<feedback>
  <report_metadata>
    <org_name>test.org</org_name>
    <report_id>defaults-1</report_id>
    <date_range><begin>1700000000</begin><end>1700086400</end></date_range>
  </report_metadata>
  <policy_published><domain>example.com</domain></policy_published>
  <record>
    <row><source_ip>192.0.2.1</source_ip><count>1</count></row>
  </record>
</feedback>`
	report, e := ParseReport([]byte(xmlData))
	if e != nil {
		t.Fatal(e)
	}
	want := PublishedPolicy{
		Domain:          "example.com",
		Adkim:           "r",
		Aspf:            "r",
		Policy:          "none",
		SubdomainPolicy: "none",
		Percent:         100,
	}
	if diff := cmp.Diff(want, report.Policy); diff != "" {
		t.Errorf("policy defaults: %s", diff)
	}
	rec := report.Records[0]
	if rec.Disposition != "none" || rec.DkimResult != "fail" || rec.SpfResult != "fail" {
		t.Errorf("record defaults = %v/%v/%v", rec.Disposition, rec.DkimResult, rec.SpfResult)
	}
	// No aligned pass possible: all counts fail
	if report.PassCount != 0 || report.FailCount != 1 {
		t.Errorf("pass=%d fail=%d, want 0/1", report.PassCount, report.FailCount)
	}
}

func TestFirstAuthResultWins(t *testing.T) {
	xmlData := `<feedback>
  <report_metadata>
    <org_name>test.org</org_name>
    <report_id>multi-sig-1</report_id>
    <date_range><begin>1700000000</begin><end>1700086400</end></date_range>
  </report_metadata>
  <policy_published><domain>example.com</domain></policy_published>
  <record>
    <row><source_ip>192.0.2.1</source_ip><count>1</count></row>
    <identifiers><header_from>example.com</header_from></identifiers>
    <auth_results>
      <dkim><domain>first.example.com</domain><selector>s1</selector><result>pass</result></dkim>
      <dkim><domain>second.example.com</domain><selector>s2</selector><result>fail</result></dkim>
      <spf><domain>first.example.com</domain><result>pass</result></spf>
      <spf><domain>second.example.com</domain><result>fail</result></spf>
    </auth_results>
  </record>
</feedback>`
	report, e := ParseReport([]byte(xmlData))
	if e != nil {
		t.Fatal(e)
	}
	rec := report.Records[0]
	if rec.DkimDomain != "first.example.com" || rec.DkimSelector != "s1" {
		t.Errorf("dkim = %v/%v, want first entry", rec.DkimDomain, rec.DkimSelector)
	}
	if rec.SpfDomain != "first.example.com" {
		t.Errorf("spf = %v, want first entry", rec.SpfDomain)
	}
}

func TestParseHardFailures(t *testing.T) {
	cases := map[string]string{
		"malformed":      `this is not xml at all`,
		"truncated":      `<feedback><report_metadata>`,
		"missingOrgName": `<feedback><report_metadata><report_id>x</report_id><date_range><begin>1</begin><end>2</end></date_range></report_metadata><policy_published><domain>a.com</domain></policy_published></feedback>`,
		"missingReportId": `<feedback><report_metadata><org_name>o</org_name><date_range><begin>1</begin><end>2</end></date_range></report_metadata><policy_published><domain>a.com</domain></policy_published></feedback>`,
		"missingDateRange": `<feedback><report_metadata><org_name>o</org_name><report_id>x</report_id></report_metadata><policy_published><domain>a.com</domain></policy_published></feedback>`,
		"missingDomain":   `<feedback><report_metadata><org_name>o</org_name><report_id>x</report_id><date_range><begin>1</begin><end>2</end></date_range></report_metadata><policy_published></policy_published></feedback>`,
	}
	for name, xmlData := range cases {
		if _, e := ParseReport([]byte(xmlData)); e == nil {
			t.Errorf("%v: expected a parse failure", name)
		}
	}
}

func TestParseRejectsEntityExpansion(t *testing.T) {
	xmlData := `<?xml version="1.0"?>
<!DOCTYPE feedback [ <!ENTITY xxe SYSTEM "file:///etc/passwd"> ]>
<feedback>
  <report_metadata>
    <org_name>&xxe;</org_name>
    <report_id>x</report_id>
    <date_range><begin>1</begin><end>2</end></date_range>
  </report_metadata>
  <policy_published><domain>a.com</domain></policy_published>
</feedback>`
	report, e := ParseReport([]byte(xmlData))
	if e == nil && strings.Contains(report.OrgName, "root") {
		t.Fatal("external entity was resolved")
	}
	if e == nil && report.OrgName != "" {
		t.Errorf("entity reference produced content: %q", report.OrgName)
	}
}

func TestDomainsAligned(t *testing.T) {
	cases := []struct {
		auth, from, mode string
		want             bool
	}{
		{"example.com", "example.com", "s", true},
		{"example.com", "EXAMPLE.COM", "s", true},
		{"example.com", "mail.example.com", "s", false},
		{"example.com", "mail.example.com", "r", true},
		{"mail.example.com", "example.com", "r", true},
		{"otherexample.com", "example.com", "r", false},
		{"notexample.com", "example.com", "r", false},
		{"", "example.com", "r", false},
		{"example.com", "", "r", false},
	}
	for _, c := range cases {
		if got := domainsAligned(c.auth, c.from, c.mode); got != c.want {
			t.Errorf("domainsAligned(%q, %q, %q) = %v, want %v",
				c.auth, c.from, c.mode, got, c.want)
		}
	}
}
