package main

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"regexp"
	"strings"
	"time"

	ev "github.com/asaskevich/EventBus"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// Error classifications surfaced in run statistics. The raw provider error
// string travels alongside so the frontend can map it to remediation text.
const (
	ErrKindAuthentication = "authentication"
	ErrKindSsl            = "ssl"
	ErrKindNetwork        = "network"
	ErrKindDecode         = "decode"
	ErrKindParse          = "parse"
	ErrKindStorage        = "storage"
	ErrKindRateLimited    = "rate_limited"
)

// Heuristics for spotting aggregate report mails in a mixed inbox. They need
// not be exact: a false positive just fails decoding and stays unread.
var (
	dmarcSubjectPattern = regexp.MustCompile(`(?i)dmarc|report domain|aggregate report|xml report`)
	dmarcSenderPattern  = regexp.MustCompile(`(?i)noreply.*dmarc|dmarc.*report|postmaster|mailer-daemon|abuse|security`)
	dmarcFilePattern    = regexp.MustCompile(`(?i)\.xml(\.zip|\.gz|\.gzip)?$|\.zip$|\.gz$`)
)

type Poller struct {
	db      Database
	keyring Keyring
	bus     ev.Bus
	limiter *RateLimiter
}

func NewPoller(db Database, keyring Keyring, bus ev.Bus) *Poller {
	return &Poller{
		db:      db,
		keyring: keyring,
		bus:     bus,
		limiter: NewRateLimiter(),
	}
}

type fetchedMsg struct {
	uid     uint32
	subject string
	from    string
	atts    []attachment
}

type attachment struct {
	filename string
	payload  []byte
}

// Process runs one poll for one mailbox config. It never returns an error:
// every failure is recorded in the returned statistics, so one broken
// mailbox cannot abort a scheduled pass.
func (p *Poller) Process(config *ImapConfig) *RunStats {
	stats := &RunStats{ConfigId: config.Id}

	if limited, reason, retryAfter := p.limiter.Limited(config.UserId); limited {
		log.Printf("Config %v (%v): rate limited: %v, retry in %v",
			config.Id, config.Name, reason, retryAfter)
		stats.Errors = append(stats.Errors, RunError{
			Kind:   ErrKindRateLimited,
			Detail: fmt.Sprintf("%v, retry in %v", reason, retryAfter.Round(time.Second)),
		})
		p.finishRun(config, stats)
		return stats
	}

	c, e := p.connect(config)
	p.limiter.RecordAttempt(config.UserId, e == nil)
	if e != nil {
		log.Printf("Config %v (%v): connection failed: %v", config.Id, config.Name, e)
		stats.Errors = append(stats.Errors, RunError{
			Kind:   classifyConnError(e),
			Detail: e.Error(),
		})
		p.finishRun(config, stats)
		return stats
	}
	defer c.Logout()

	msgs, e := p.fetchCandidates(c, config)
	if e != nil {
		stats.Errors = append(stats.Errors, RunError{
			Kind:   ErrKindNetwork,
			Detail: e.Error(),
		})
		p.finishRun(config, stats)
		return stats
	}
	stats.MessagesSeen = len(msgs)

	for _, m := range msgs {
		p.processMessage(c, config, m, stats)
	}

	if e := p.db.UpdateLastPolled(config.Id, time.Now().UTC()); e != nil {
		log.Printf("Config %v: updating last polled: %v", config.Id, e)
	}
	p.finishRun(config, stats)
	return stats
}

func (p *Poller) finishRun(config *ImapConfig, stats *RunStats) {
	if p.bus != nil {
		p.bus.Publish(RunCompleted, RunEvent{
			UserId:     config.UserId,
			ConfigId:   config.Id,
			ConfigName: config.Name,
			Seen:       stats.MessagesSeen,
			Inserted:   stats.Inserted,
			Duplicates: stats.Duplicates,
			Errors:     stats.ErrorCount(),
		})
	}
}

// connect decrypts the stored credential, dials with a bounded timeout and
// logs in. The plaintext password does not outlive this call.
func (p *Poller) connect(config *ImapConfig) (*client.Client, error) {
	password, e := p.keyring.Decrypt(config.PasswordEnc)
	if e != nil {
		return nil, errors.Wrap(e, "decrypting credential")
	}
	c, e := dialImap(config)
	if e != nil {
		return nil, e
	}
	if e := c.Login(config.Username, password); e != nil {
		c.Logout()
		return nil, e
	}
	return c, nil
}

func dialImap(config *ImapConfig) (*client.Client, error) {
	timeout := GetSeconds(ImapTimeoutKey)
	dialer := &net.Dialer{Timeout: timeout}
	var c *client.Client
	var e error
	if config.UseTls {
		c, e = client.DialWithDialerTLS(dialer, config.Addr(), &tls.Config{
			ServerName: config.Host,
		})
	} else {
		c, e = client.DialWithDialer(dialer, config.Addr())
	}
	if e != nil {
		return nil, e
	}
	c.Timeout = timeout
	return c, nil
}

// testImapConnection checks a mailbox with a not-yet-stored plaintext
// password before the config is saved.
func testImapConnection(config *ImapConfig, password string) error {
	c, e := dialImap(config)
	if e != nil {
		return e
	}
	defer c.Logout()
	if e := c.Login(config.Username, password); e != nil {
		return e
	}
	folder := config.Folder
	if folder == "" {
		folder = "INBOX"
	}
	_, e = c.Select(folder, true)
	return e
}

// fetchCandidates selects the folder, searches for unseen messages and
// downloads those matching the DMARC heuristics. Bodies are fetched with
// peek so nothing is implicitly marked read.
func (p *Poller) fetchCandidates(c *client.Client, config *ImapConfig) ([]*fetchedMsg, error) {
	folder := config.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, e := c.Select(folder, false); e != nil {
		return nil, errors.Wrapf(e, "selecting folder %v", folder)
	}

	criteria := imap.NewSearchCriteria()
	if !GetBool(SearchAllMessagesKey) {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	uids, e := c.UidSearch(criteria)
	if e != nil {
		return nil, errors.Wrap(e, "searching mailbox")
	}
	if len(uids) == 0 {
		return nil, nil
	}
	if limit := GetInt(PollBatchLimitKey); limit > 0 && len(uids) > limit {
		log.Printf("Config %v: %d unread messages, limiting to %d most recent",
			config.Id, len(uids), limit)
		uids = uids[len(uids)-limit:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
	}()

	var candidates []*fetchedMsg
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		fm, e := readMessage(msg.Uid, body)
		if e != nil {
			log.Printf("Config %v: unreadable message uid %v: %v", config.Id, msg.Uid, e)
			continue
		}
		if isDmarcMessage(fm) {
			candidates = append(candidates, fm)
		}
	}
	if e := <-done; e != nil {
		return nil, errors.Wrap(e, "fetching messages")
	}
	return candidates, nil
}

func readMessage(uid uint32, body io.Reader) (*fetchedMsg, error) {
	mr, e := mail.CreateReader(body)
	if e != nil {
		return nil, e
	}
	fm := &fetchedMsg{uid: uid}
	fm.subject, _ = mr.Header.Subject()
	if addrs, e := mr.Header.AddressList("From"); e == nil {
		froms := make([]string, 0, len(addrs))
		for _, a := range addrs {
			froms = append(froms, a.Address)
		}
		fm.from = strings.Join(froms, ", ")
	}
	for {
		part, e := mr.NextPart()
		if e == io.EOF {
			break
		}
		if e != nil {
			// A broken part should not hide attachments we already have.
			break
		}
		var filename string
		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			filename, _ = h.Filename()
		case *mail.InlineHeader:
			// InlineHeader has no Filename method in any go-message release;
			// fall back to the Content-Type "name" parameter.
			_, params, _ := h.ContentType()
			filename = params["name"]
			if filename == "" {
				continue
			}
		default:
			continue
		}
		payload, e := io.ReadAll(part.Body)
		if e != nil || len(payload) == 0 {
			continue
		}
		fm.atts = append(fm.atts, attachment{filename: filename, payload: payload})
	}
	return fm, nil
}

func isDmarcMessage(fm *fetchedMsg) bool {
	if dmarcSubjectPattern.MatchString(fm.subject) {
		return true
	}
	if dmarcSenderPattern.MatchString(fm.from) {
		return true
	}
	for _, att := range fm.atts {
		if dmarcFilePattern.MatchString(strings.ToLower(att.filename)) {
			return true
		}
	}
	return false
}

// reportAttachment picks the attachment to decode: the first with a report
// file name, else the first whose payload carries a zip/gzip/xml signature.
func reportAttachment(fm *fetchedMsg) (attachment, bool) {
	for _, att := range fm.atts {
		if dmarcFilePattern.MatchString(strings.ToLower(att.filename)) {
			return att, true
		}
	}
	for _, att := range fm.atts {
		if bytes.HasPrefix(att.payload, zipMagic) ||
			bytes.HasPrefix(att.payload, gzipMagic) || looksLikeXml(att.payload) {
			return att, true
		}
	}
	return attachment{}, false
}

// processMessage runs decode → parse → store for one message. Failures are
// recorded and the message left unread so a later run can retry it; on
// success (insert or duplicate) the message is marked read.
func (p *Poller) processMessage(c *client.Client, config *ImapConfig, fm *fetchedMsg, stats *RunStats) {
	att, ok := reportAttachment(fm)
	if !ok {
		stats.Errors = append(stats.Errors, RunError{
			Kind:    ErrKindDecode,
			Subject: fm.subject,
			Detail:  "no report attachment found",
		})
		return
	}

	xmlData, e := ExtractAttachment(att.payload, att.filename)
	if e != nil {
		stats.Errors = append(stats.Errors, RunError{
			Kind:    ErrKindDecode,
			Subject: fm.subject,
			Detail:  e.Error(),
		})
		return
	}

	parsed, e := ParseReport(xmlData)
	if e != nil {
		log.Printf("Config %v: parse failure for %v: %v", config.Id, att.filename, e)
		stats.Errors = append(stats.Errors, RunError{
			Kind:    ErrKindParse,
			Subject: fm.subject,
			Detail:  e.Error(),
		})
		return
	}

	reportId, duplicate, e := p.storeReport(config.UserId, config.Id, parsed)
	if e != nil {
		stats.Errors = append(stats.Errors, RunError{
			Kind:    ErrKindStorage,
			Subject: fm.subject,
			Detail:  e.Error(),
		})
		return
	}
	if duplicate {
		log.Printf("Config %v: report %v from %v already stored, skipping",
			config.Id, parsed.ReportId, parsed.OrgName)
		stats.Duplicates++
	} else {
		stats.Inserted++
		if p.bus != nil {
			p.bus.Publish(ReportProcessed, ReportEvent{
				UserId:   config.UserId,
				ReportId: reportId,
				OrgName:  parsed.OrgName,
				Domain:   parsed.Policy.Domain,
				Total:    parsed.TotalCount,
			})
		}
	}

	// Marking read is an optimisation; the identity lookup above is the
	// correctness guarantee against re-processing.
	if GetBool(MarkProcessedKey) {
		if e := markSeen(c, fm.uid); e != nil {
			log.Printf("Config %v: marking uid %v read: %v", config.Id, fm.uid, e)
		}
	}
}

// storeReport is the deduplication gate: one stored report per
// (user, report id, domain), duplicates skipped silently.
func (p *Poller) storeReport(usrId, configId int64, parsed *ParsedReport) (int64, bool, error) {
	existing, e := p.db.GetReportByIdentity(usrId, parsed.ReportId, parsed.Policy.Domain)
	if e == nil {
		return existing.Id, true, nil
	}
	if e != NotFound {
		return 0, false, e
	}

	report := &Report{
		UserId:     usrId,
		OrgName:    parsed.OrgName,
		Email:      parsed.Email,
		ReportId:   parsed.ReportId,
		Domain:     parsed.Policy.Domain,
		Begin:      parsed.Begin,
		End:        parsed.End,
		Policy:     parsed.Policy.Policy,
		SubPolicy:  parsed.Policy.SubdomainPolicy,
		Percent:    parsed.Policy.Percent,
		Adkim:      parsed.Policy.Adkim,
		Aspf:       parsed.Policy.Aspf,
		TotalCount: parsed.TotalCount,
		PassCount:  parsed.PassCount,
		FailCount:  parsed.FailCount,
		CreatedAt:  time.Now().UTC(),
	}
	if configId != 0 {
		report.ConfigId = &configId
	}
	if parsed.SkippedRecords > 0 {
		report.ErrorMessage = fmt.Sprintf("%d records skipped during parsing", parsed.SkippedRecords)
	}

	report, e = p.db.InsertReportWithRecords(report, parsed.Records)
	if e != nil {
		return 0, false, e
	}
	return report.Id, false, nil
}

func markSeen(c *client.Client, uid uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil)
}

// classifyConnError maps a connect/login failure onto the remediation
// categories the dashboard knows about.
func classifyConnError(e error) string {
	msg := strings.ToLower(e.Error())
	switch {
	case strings.Contains(msg, "authent"), strings.Contains(msg, "login"),
		strings.Contains(msg, "credential"), strings.Contains(msg, "password"):
		return ErrKindAuthentication
	case strings.Contains(msg, "tls"), strings.Contains(msg, "ssl"),
		strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"):
		return ErrKindSsl
	default:
		return ErrKindNetwork
	}
}
