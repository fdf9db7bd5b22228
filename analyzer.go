package main

import (
	"fmt"
	"log"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Known sending-infrastructure ranges, used to name the provider behind a
// failing source IP and to suggest the matching SPF include.
var providerRanges = map[string][]string{
	"google": {
		"209.85.128.0/17",
		"74.125.0.0/16",
		"173.194.0.0/16",
		"2607:f8b0::/32",
		"2a00:1450::/32",
	},
	"microsoft": {
		"40.92.0.0/15",
		"40.107.0.0/16",
		"52.100.0.0/14",
		"104.47.0.0/17",
	},
	"mailgun": {
		"69.72.32.0/24",
		"69.72.33.0/24",
		"69.72.34.0/24",
	},
}

var providerSpfIncludes = map[string]string{
	"google":    "include:_spf.google.com",
	"microsoft": "include:spf.protection.outlook.com",
	"mailgun":   "include:mailgun.org",
	"sendgrid":  "include:sendgrid.net",
	"amazonses": "include:amazonses.com",
}

var providerNets = func() map[string][]*net.IPNet {
	nets := map[string][]*net.IPNet{}
	for provider, ranges := range providerRanges {
		for _, r := range ranges {
			_, n, e := net.ParseCIDR(r)
			if e != nil {
				panic(e)
			}
			nets[provider] = append(nets[provider], n)
		}
	}
	return nets
}()

var (
	spfIncludePattern = regexp.MustCompile(`include:(\S+)`)
	spfIpPattern      = regexp.MustCompile(`ip[46]:(\S+)`)
)

// SpfResolver fetches the published SPF record for a domain. Tests swap in
// a canned one.
type SpfResolver interface {
	LookupSpf(domain string) (string, error)
}

type dnsSpfResolver struct {
	mut   sync.Mutex
	cache map[string]string
}

func NewSpfResolver() SpfResolver {
	return &dnsSpfResolver{cache: map[string]string{}}
}

func (r *dnsSpfResolver) LookupSpf(domain string) (string, error) {
	r.mut.Lock()
	if cached, ok := r.cache[domain]; ok {
		r.mut.Unlock()
		return cached, nil
	}
	r.mut.Unlock()

	c := new(dns.Client)
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeTXT)
	in, _, e := c.Exchange(m, GetString(DnsServerKey))
	if e != nil {
		return "", errors.Wrapf(e, "TXT lookup for %v", domain)
	}

	record := ""
	for _, rr := range in.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		joined := strings.Join(txt.Txt, "")
		if strings.HasPrefix(joined, "v=spf1") {
			record = joined
			break
		}
	}

	r.mut.Lock()
	r.cache[domain] = record
	r.mut.Unlock()
	return record, nil
}

type SpfAnalysis struct {
	Record      string   `json:"record"`
	Valid       bool     `json:"valid"`
	Includes    []string `json:"includes"`
	LookupCount int      `json:"lookup_count"`
	Issues      []string `json:"issues"`
	MissingIps  []string `json:"missing_ips"`
}

type DkimAnalysis struct {
	Domains           []string `json:"domains"`
	Selectors         []string `json:"selectors"`
	ValidSignatures   int      `json:"valid_signatures"`
	InvalidSignatures int      `json:"invalid_signatures"`
	MissingSignatures int      `json:"missing_signatures"`
	Issues            []string `json:"issues"`
}

// Issue is one detected problem, severity one of critical/high/medium/low.
type Issue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Impact   string `json:"impact"`
	Category string `json:"category"`
	Action   string `json:"action,omitempty"`
	Provider string `json:"provider,omitempty"`
	Ip       string `json:"ip,omitempty"`
}

// Recommendation is an actionable fix derived from an issue, with a
// concrete replacement SPF record where one can be computed.
type Recommendation struct {
	Priority       string `json:"priority"`
	Title          string `json:"title"`
	Issue          string `json:"issue"`
	CurrentSpf     string `json:"current_spf,omitempty"`
	RecommendedFix string `json:"recommended_fix,omitempty"`
	Impact         string `json:"impact,omitempty"`
}

type IpFailure struct {
	SourceIp string `json:"source_ip"`
	Count    int    `json:"count"`
	Provider string `json:"provider,omitempty"`
}

type ProviderStat struct {
	Total int `json:"total"`
	Pass  int `json:"pass"`
	Fail  int `json:"fail"`
}

// DomainAnalysis is the full picture for one domain over the window:
// failure rates from the stored aggregates, SPF/DKIM breakdowns from the
// stored records, and the issues plus recommendations derived from them.
type DomainAnalysis struct {
	Domain            string                   `json:"domain"`
	HealthScore       int                      `json:"health_score"`
	FailureRate       float64                  `json:"failure_rate"`
	AnomaliesDetected int                      `json:"anomalies_detected"`
	Status            string                   `json:"status"`
	Spf               *SpfAnalysis             `json:"spf"`
	Dkim              *DkimAnalysis            `json:"dkim"`
	TopFailingIps     []IpFailure              `json:"top_failing_ips"`
	Providers         map[string]*ProviderStat `json:"providers"`
	Issues            []Issue                  `json:"issues"`
	Recommendations   []Recommendation         `json:"recommendations"`
}

// Analyzer derives domain health from stored reports and records, plus a
// live look at the domain's published SPF record.
type Analyzer struct {
	db       Database
	resolver SpfResolver
}

func NewAnalyzer(db Database, resolver SpfResolver) *Analyzer {
	return &Analyzer{
		db:       db,
		resolver: resolver,
	}
}

// AnalyzeDomain runs the full analysis for one user's domain over the last
// `days` days of stored reports.
func (a *Analyzer) AnalyzeDomain(usrId int64, domain string, days int) (*DomainAnalysis, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	reports, e := a.db.GetReportsForDomain(usrId, domain, since)
	if e != nil {
		return nil, e
	}
	if len(reports) == 0 {
		return &DomainAnalysis{
			Domain: domain,
			Status: "no_data",
			Issues: []Issue{{
				Type:     "no_data",
				Severity: "low",
				Title:    "No Reports",
				Message:  "no DMARC reports stored for this domain in the analysis window",
				Category: "data",
			}},
			Providers: map[string]*ProviderStat{},
		}, nil
	}
	records, e := a.db.GetRecordsForDomain(usrId, domain, since)
	if e != nil {
		return nil, e
	}

	total := 0
	failed := 0
	for _, rep := range reports {
		total += rep.TotalCount
		failed += rep.FailCount
	}
	failureRate := 0.0
	if total > 0 {
		failureRate = float64(failed) / float64(total) * 100
	}

	spf := a.analyzeSpf(domain, records)
	dkim := analyzeDkim(records)
	topFailing := topFailingIps(records, 10)
	providers := providerStats(records)

	issues := detectSpfIssues(spf)
	issues = append(issues, detectDkimIssues(dkim)...)
	issues = append(issues, detectPatternIssues(records)...)
	issues = append(issues, detectAlignmentIssues(records)...)

	anomalies := 0
	for _, issue := range issues {
		if issue.Severity == "critical" || issue.Severity == "high" {
			anomalies++
		}
	}

	score := healthScore(failureRate, issues, spf, dkim)
	return &DomainAnalysis{
		Domain:            domain,
		HealthScore:       score,
		FailureRate:       failureRate,
		AnomaliesDetected: anomalies,
		Status:            analysisStatus(score, failureRate),
		Spf:               spf,
		Dkim:              dkim,
		TopFailingIps:     topFailing,
		Providers:         providers,
		Issues:            issues,
		Recommendations:   recommendations(spf, issues),
	}, nil
}

func (a *Analyzer) analyzeSpf(domain string, records []*Record) *SpfAnalysis {
	analysis := &SpfAnalysis{}
	record, e := a.resolver.LookupSpf(domain)
	if e != nil {
		log.Printf("SPF lookup for %v failed: %v", domain, e)
	}
	analysis.Record = record

	if record == "" {
		analysis.Issues = append(analysis.Issues, "no SPF record found")
	} else {
		for _, m := range spfIncludePattern.FindAllStringSubmatch(record, -1) {
			analysis.Includes = append(analysis.Includes, m[1])
		}
		analysis.LookupCount = len(analysis.Includes) +
			strings.Count(record, " mx") + strings.Count(record, " a ")
		if analysis.LookupCount > 10 {
			analysis.Issues = append(analysis.Issues, "SPF record exceeds the 10 DNS lookup limit")
		}
		if !strings.HasPrefix(record, "v=spf1") {
			analysis.Issues = append(analysis.Issues, "SPF record does not start with v=spf1")
		}
		if !strings.Contains(record, "all") {
			analysis.Issues = append(analysis.Issues, "SPF record missing an all mechanism")
		}
	}
	analysis.Valid = record != "" && len(analysis.Issues) == 0

	// Weight-bearing IPs failing SPF that the record does not authorize.
	seen := map[string]bool{}
	for _, rec := range records {
		if rec.SpfResult != ResultFail || rec.Count < 1 || rec.SourceIp == "" {
			continue
		}
		if seen[rec.SourceIp] || ipAuthorizedBySpf(rec.SourceIp, record) {
			continue
		}
		seen[rec.SourceIp] = true
		if provider := identifyProvider(rec.SourceIp); provider != "" {
			analysis.MissingIps = append(analysis.MissingIps, rec.SourceIp+" ("+provider+")")
		} else {
			analysis.MissingIps = append(analysis.MissingIps, rec.SourceIp)
		}
	}
	return analysis
}

func analyzeDkim(records []*Record) *DkimAnalysis {
	analysis := &DkimAnalysis{}
	domains := map[string]bool{}
	selectors := map[string]bool{}
	for _, rec := range records {
		if rec.DkimDomain != "" {
			domains[rec.DkimDomain] = true
		}
		if rec.DkimSelector != "" {
			selectors[rec.DkimSelector] = true
		}
		switch rec.DkimResult {
		case ResultPass:
			analysis.ValidSignatures += rec.Count
		case ResultFail:
			analysis.InvalidSignatures += rec.Count
		default:
			analysis.MissingSignatures += rec.Count
		}
	}
	for d := range domains {
		analysis.Domains = append(analysis.Domains, d)
	}
	for s := range selectors {
		analysis.Selectors = append(analysis.Selectors, s)
	}
	sort.Strings(analysis.Domains)
	sort.Strings(analysis.Selectors)

	total := analysis.ValidSignatures + analysis.InvalidSignatures + analysis.MissingSignatures
	if total > 0 {
		failRate := float64(analysis.InvalidSignatures) / float64(total) * 100
		if failRate > 10 {
			analysis.Issues = append(analysis.Issues,
				fmt.Sprintf("high DKIM failure rate: %.1f%%", failRate))
		}
		missingRate := float64(analysis.MissingSignatures) / float64(total) * 100
		if missingRate > 20 {
			analysis.Issues = append(analysis.Issues,
				fmt.Sprintf("many messages without DKIM signatures: %.1f%%", missingRate))
		}
	}
	return analysis
}

func topFailingIps(records []*Record, limit int) []IpFailure {
	weights := map[string]int{}
	for _, rec := range records {
		if rec.SpfResult == ResultFail || rec.DkimResult == ResultFail {
			weights[rec.SourceIp] += rec.Count
		}
	}
	failures := make([]IpFailure, 0, len(weights))
	for ip, count := range weights {
		failures = append(failures, IpFailure{
			SourceIp: ip,
			Count:    count,
			Provider: identifyProvider(ip),
		})
	}
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Count != failures[j].Count {
			return failures[i].Count > failures[j].Count
		}
		return failures[i].SourceIp < failures[j].SourceIp
	})
	if len(failures) > limit {
		failures = failures[:limit]
	}
	return failures
}

func providerStats(records []*Record) map[string]*ProviderStat {
	stats := map[string]*ProviderStat{}
	for _, rec := range records {
		provider := identifyProvider(rec.SourceIp)
		if provider == "" {
			provider = "unknown"
		}
		stat, ok := stats[provider]
		if !ok {
			stat = &ProviderStat{}
			stats[provider] = stat
		}
		stat.Total += rec.Count
		if rec.SpfResult == ResultPass || rec.DkimResult == ResultPass {
			stat.Pass += rec.Count
		} else {
			stat.Fail += rec.Count
		}
	}
	return stats
}

func detectSpfIssues(spf *SpfAnalysis) []Issue {
	var issues []Issue
	if spf.Record == "" {
		issues = append(issues, Issue{
			Type:     "spf_missing",
			Severity: "critical",
			Title:    "SPF Record Missing",
			Message:  "no SPF record found for this domain",
			Impact:   "all mail will fail SPF authentication",
			Category: "spf",
			Action:   "publish an SPF record listing your authorized mail servers",
		})
	} else if spf.LookupCount > 10 {
		issues = append(issues, Issue{
			Type:     "spf_lookup_limit",
			Severity: "high",
			Title:    "SPF DNS Lookup Limit Exceeded",
			Message:  fmt.Sprintf("SPF record requires %d DNS lookups (limit is 10)", spf.LookupCount),
			Impact:   "SPF evaluation can fail with permerror at receivers",
			Category: "spf",
			Action:   "flatten includes or replace them with ip4/ip6 mechanisms",
		})
	}
	missing := spf.MissingIps
	if len(missing) > 5 {
		missing = missing[:5]
	}
	for _, entry := range missing {
		ip := entry
		provider := ""
		if i := strings.Index(entry, " ("); i >= 0 {
			ip = entry[:i]
			provider = strings.TrimSuffix(entry[i+2:], ")")
		}
		if provider == "" {
			continue
		}
		issues = append(issues, Issue{
			Type:     "spf_missing_provider",
			Severity: "high",
			Title:    fmt.Sprintf("Missing %s Mail Servers in SPF", strings.Title(provider)),
			Message:  fmt.Sprintf("IP %s from %s is failing SPF but looks legitimate", ip, provider),
			Impact:   fmt.Sprintf("mail sent through %s will fail DMARC", provider),
			Category: "spf",
			Action:   fmt.Sprintf("add the %s servers to your SPF record", provider),
			Provider: provider,
			Ip:       ip,
		})
	}
	return issues
}

func detectDkimIssues(dkim *DkimAnalysis) []Issue {
	var issues []Issue
	for _, msg := range dkim.Issues {
		if strings.Contains(msg, "failure rate") {
			issues = append(issues, Issue{
				Type:     "dkim_high_failure",
				Severity: "high",
				Title:    "High DKIM Failure Rate",
				Message:  msg,
				Impact:   "many messages are failing DKIM authentication",
				Category: "dkim",
			})
		} else {
			issues = append(issues, Issue{
				Type:     "dkim_missing_signatures",
				Severity: "medium",
				Title:    "Missing DKIM Signatures",
				Message:  msg,
				Impact:   "unsigned messages rely solely on SPF for DMARC",
				Category: "dkim",
			})
		}
	}
	return issues
}

func detectPatternIssues(records []*Record) []Issue {
	failing := map[string]bool{}
	for _, rec := range records {
		if rec.SpfResult == ResultFail || rec.DkimResult == ResultFail {
			failing[rec.SourceIp] = true
		}
	}
	if len(failing) <= 20 {
		return nil
	}
	return []Issue{{
		Type:     "pattern_many_failing_ips",
		Severity: "medium",
		Title:    "Many Different IPs Failing Authentication",
		Message:  fmt.Sprintf("%d distinct IPs are failing authentication", len(failing)),
		Impact:   "could indicate spoofing or a misconfigured sending service",
		Category: "pattern",
		Action:   "review your sending sources against the SPF record",
	}}
}

func detectAlignmentIssues(records []*Record) []Issue {
	misaligned := map[string]bool{}
	for _, rec := range records {
		if rec.HeaderFrom != "" && rec.EnvelopeFrom != "" && rec.HeaderFrom != rec.EnvelopeFrom {
			misaligned[rec.HeaderFrom+" (envelope: "+rec.EnvelopeFrom+")"] = true
		}
	}
	if len(misaligned) == 0 {
		return nil
	}
	return []Issue{{
		Type:     "alignment_domain_mismatch",
		Severity: "medium",
		Title:    "Domain Alignment Issues",
		Message:  fmt.Sprintf("header and envelope domains differ in %d cases", len(misaligned)),
		Impact:   "can fail DMARC even when SPF or DKIM pass on their own domain",
		Category: "alignment",
	}}
}

func healthScore(failureRate float64, issues []Issue, spf *SpfAnalysis, dkim *DkimAnalysis) int {
	score := 100.0

	penalty := failureRate * 2
	if penalty > 60 {
		penalty = 60
	}
	score -= penalty

	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			score -= 20
		case "high":
			score -= 10
		case "medium":
			score -= 5
		default:
			score -= 2
		}
	}

	if spf.Record == "" {
		score -= 25
	} else if spf.LookupCount > 10 {
		score -= 15
	}

	totalDkim := dkim.ValidSignatures + dkim.InvalidSignatures + dkim.MissingSignatures
	if totalDkim > 0 {
		dkimFailRate := float64(dkim.InvalidSignatures) / float64(totalDkim) * 100
		penalty := dkimFailRate / 2
		if penalty > 20 {
			penalty = 20
		}
		score -= penalty
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(score)
}

func analysisStatus(score int, failureRate float64) string {
	switch {
	case score >= 90 && failureRate < 5:
		return "excellent"
	case score >= 75 && failureRate < 15:
		return "good"
	case score >= 50 && failureRate < 30:
		return "warning"
	default:
		return "critical"
	}
}

func recommendations(spf *SpfAnalysis, issues []Issue) []Recommendation {
	var recs []Recommendation
	for _, issue := range issues {
		switch issue.Type {
		case "spf_missing":
			recs = append(recs, Recommendation{
				Priority:       "HIGH",
				Title:          "Publish an SPF Record",
				Issue:          issue.Message,
				RecommendedFix: "v=spf1 include:<your-provider> ~all",
				Impact:         "receivers can start authenticating your mail by source",
			})
		case "spf_missing_provider":
			include, ok := providerSpfIncludes[issue.Provider]
			if !ok {
				include = "ip4:" + issue.Ip
			}
			recs = append(recs, Recommendation{
				Priority:       "HIGH",
				Title:          fmt.Sprintf("Add %s to the SPF Record", strings.Title(issue.Provider)),
				Issue:          issue.Message,
				CurrentSpf:     spf.Record,
				RecommendedFix: buildSpfFix(spf.Record, include),
				Impact:         fmt.Sprintf("fixes SPF authentication for mail sent through %s", issue.Provider),
			})
		case "spf_lookup_limit":
			recs = append(recs, Recommendation{
				Priority:   "MEDIUM",
				Title:      "Reduce SPF DNS Lookups",
				Issue:      issue.Message,
				CurrentSpf: spf.Record,
				Impact:     "keeps SPF evaluation under the 10 lookup limit",
			})
		}
	}
	return recs
}

// buildSpfFix inserts the mechanism before the record's all qualifier, or
// appends it, or synthesizes a fresh record when none is published.
func buildSpfFix(current, mechanism string) string {
	if current == "" {
		return "v=spf1 " + mechanism + " ~all"
	}
	if strings.Contains(current, mechanism) {
		return current
	}
	for _, all := range []string{" ~all", " -all", " +all", " ?all"} {
		if strings.Contains(current, all) {
			return strings.Replace(current, all, " "+mechanism+all, 1)
		}
	}
	return current + " " + mechanism + " ~all"
}

// ipAuthorizedBySpf checks ip4/ip6 mechanisms only. Includes are not
// chased: a provider IP behind an include the domain already carries will
// not show as failing in the stored records anyway.
func ipAuthorizedBySpf(ip, spfRecord string) bool {
	if spfRecord == "" {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, m := range spfIpPattern.FindAllStringSubmatch(spfRecord, -1) {
		mech := m[1]
		if strings.Contains(mech, "/") {
			_, network, e := net.ParseCIDR(mech)
			if e != nil {
				continue
			}
			if network.Contains(parsed) {
				return true
			}
		} else if direct := net.ParseIP(mech); direct != nil && direct.Equal(parsed) {
			return true
		}
	}
	return false
}

func identifyProvider(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	for provider, nets := range providerNets {
		for _, n := range nets {
			if n.Contains(parsed) {
				return provider
			}
		}
	}
	return ""
}
